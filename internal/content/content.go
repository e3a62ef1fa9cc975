// Package content normalizes prompt blocks into the text and image bytes sent
// to the model.
package content

import (
	"encoding/base64"
	"fmt"
	"strings"

	"ollamaacp/internal/logging"
)

// Block is one element of a prompt. The set of variants is closed: only
// TextBlock and ImageBlock implement it.
type Block interface {
	isBlock()
}

// TextBlock carries a fragment of prompt text.
type TextBlock struct {
	Text string
}

// ImageBlock carries an image either already decoded (Data) or as a base64
// string (Encoded). Data wins when both are set.
type ImageBlock struct {
	Data     []byte
	Encoded  string
	MimeType string
}

func (TextBlock) isBlock()  {}
func (ImageBlock) isBlock() {}

// Content is the canonical form of a prompt.
type Content struct {
	Text   string
	Images [][]byte
	// Dropped counts image blocks that could not be decoded.
	Dropped int
}

// Empty reports whether there is nothing to send to the model.
func (c Content) Empty() bool {
	return c.Text == "" && len(c.Images) == 0
}

// Extract concatenates text blocks in order, trimming only the final result,
// and decodes image blocks. An undecodable image is logged and skipped.
func Extract(blocks []Block, logger logging.Logger) Content {
	logger = logging.OrNop(logger)

	var text strings.Builder
	var out Content
	for i, block := range blocks {
		switch b := block.(type) {
		case TextBlock:
			text.WriteString(b.Text)
		case *TextBlock:
			if b != nil {
				text.WriteString(b.Text)
			}
		case ImageBlock:
			out.addImage(i, b, logger)
		case *ImageBlock:
			if b != nil {
				out.addImage(i, *b, logger)
			}
		}
	}
	out.Text = strings.TrimSpace(text.String())
	return out
}

func (c *Content) addImage(index int, block ImageBlock, logger logging.Logger) {
	data, err := block.Bytes()
	if err != nil {
		c.Dropped++
		logger.Warn("Failed to decode image block %d: %v", index, err)
		return
	}
	c.Images = append(c.Images, data)
}

// Bytes returns the raw image bytes, decoding Encoded when needed.
func (b ImageBlock) Bytes() ([]byte, error) {
	if len(b.Data) > 0 {
		return append([]byte(nil), b.Data...), nil
	}
	return DecodeBase64(b.Encoded)
}

// DecodeBase64 decodes standard or unpadded base64, optionally wrapped in a
// data URL ("data:image/png;base64,...").
func DecodeBase64(encoded string) ([]byte, error) {
	payload := strings.TrimSpace(encoded)
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 || !strings.Contains(payload[:comma], ";base64") {
			return nil, fmt.Errorf("unsupported data url")
		}
		payload = payload[comma+1:]
	}
	if payload == "" {
		return nil, fmt.Errorf("empty image payload")
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err == nil {
		return data, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "=")); rawErr == nil {
		return raw, nil
	}
	return nil, fmt.Errorf("decode base64 image: %w", err)
}
