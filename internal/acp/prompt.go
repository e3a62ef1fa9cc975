package acp

import (
	"strings"

	"ollamaacp/internal/content"
	"ollamaacp/internal/logging"
)

// DecodePrompt maps ACP content blocks onto prompt blocks. "text" and
// "image" are understood; every other block type is skipped.
func DecodePrompt(raw []any, logger logging.Logger) []content.Block {
	logger = logging.OrNop(logger)
	blocks := make([]content.Block, 0, len(raw))
	for i, item := range raw {
		blockMap, ok := item.(map[string]any)
		if !ok {
			logger.Debug("prompt block %d is not an object, skipping", i)
			continue
		}
		switch blockType := strings.ToLower(stringParam(blockMap, "type")); blockType {
		case "text":
			blocks = append(blocks, content.TextBlock{Text: stringParam(blockMap, "text")})
		case "image":
			blocks = append(blocks, content.ImageBlock{
				Encoded:  strings.TrimSpace(stringParam(blockMap, "data")),
				MimeType: strings.TrimSpace(stringParam(blockMap, "mimeType")),
			})
		default:
			logger.Debug("prompt block %d has unsupported type %q, skipping", i, blockType)
		}
	}
	return blocks
}
