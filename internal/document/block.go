package document

import (
	"bytes"
	"encoding/json"
	"time"

	"chronicle/coedit/internal/util"
)

// ScaffoldType is the block type used when an unavoidable insertion carries
// a structurally invalid block.
const ScaffoldType = "paragraph"

// InlineContent is one run of inline content inside a block.
type InlineContent struct {
	Type   string         `json:"type"`
	Text   string         `json:"text,omitempty"`
	Href   string         `json:"href,omitempty"`
	Styles map[string]any `json:"styles,omitempty"`
}

type BlockMeta struct {
	LastModified   time.Time `json:"lastModified"`
	LastModifiedBy string    `json:"lastModifiedBy,omitempty"`
	Version        int64     `json:"version"`
}

// Block is the atomic unit of document content. IDs are unique across the
// whole tree, children included.
type Block struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	// Props values are stored as JSON, so numbers read back as float64.
	Props    map[string]any  `json:"props"`
	Content  []InlineContent `json:"content"`
	Children []Block         `json:"children"`
	Meta     BlockMeta       `json:"metadata"`
}

// BlockUpdate is a partial update. Nil fields are left unchanged; Props keys
// are merged and a nil value removes the key.
type BlockUpdate struct {
	Type     *string
	Props    map[string]any
	Content  []InlineContent
	Children []Block
}

// Text concatenates the block's inline text, children excluded.
func (b Block) Text() string {
	var buf bytes.Buffer
	for _, c := range b.Content {
		buf.WriteString(c.Text)
	}
	return buf.String()
}

// wireBlock decodes the loosely typed parts of a block separately so that a
// bad child or a non-array content field only drops what is malformed.
type wireBlock struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Props    map[string]any  `json:"props"`
	Content  json.RawMessage `json:"content"`
	Children json.RawMessage `json:"children"`
	Meta     BlockMeta       `json:"metadata"`
}

// DecodeBlocks leniently decodes a JSON array of blocks. Elements that are
// not objects, lack an id or type, or carry non-array content or children
// are dropped, as are later duplicates of an id.
func DecodeBlocks(data []byte) []Block {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	out := make([]Block, 0, len(raw))
	for _, item := range raw {
		if block, ok := decodeBlock(item); ok {
			out = append(out, block)
		}
	}
	return sanitizeBlocks(out, map[string]struct{}{})
}

func decodeBlock(raw json.RawMessage) (Block, bool) {
	var w wireBlock
	if err := json.Unmarshal(raw, &w); err != nil {
		return Block{}, false
	}
	if w.ID == "" || w.Type == "" {
		return Block{}, false
	}
	block := Block{ID: w.ID, Type: w.Type, Props: w.Props, Meta: w.Meta}

	if !isNullOrEmpty(w.Content) {
		if err := json.Unmarshal(w.Content, &block.Content); err != nil {
			return Block{}, false
		}
	}
	if !isNullOrEmpty(w.Children) {
		var children []json.RawMessage
		if err := json.Unmarshal(w.Children, &children); err != nil {
			return Block{}, false
		}
		for _, item := range children {
			if child, ok := decodeBlock(item); ok {
				block.Children = append(block.Children, child)
			}
		}
	}
	return normalizeBlock(block), true
}

func isNullOrEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func wellFormed(b Block) bool {
	return b.ID != "" && b.Type != ""
}

// normalizeBlock replaces nil collections with empty ones so that stored and
// materialized blocks compare equal.
func normalizeBlock(b Block) Block {
	if b.Props == nil {
		b.Props = map[string]any{}
	}
	if b.Content == nil {
		b.Content = []InlineContent{}
	}
	if b.Children == nil {
		b.Children = []Block{}
	}
	return b
}

// sanitizeBlocks drops malformed blocks and duplicate ids, recursing into
// children. seen is shared across the whole tree.
func sanitizeBlocks(blocks []Block, seen map[string]struct{}) []Block {
	out := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		if !wellFormed(b) {
			continue
		}
		if _, dup := seen[b.ID]; dup {
			continue
		}
		seen[b.ID] = struct{}{}
		b.Children = sanitizeBlocks(b.Children, seen)
		out = append(out, normalizeBlock(b))
	}
	return out
}

// scaffold turns a structurally invalid block into a safe default while
// keeping whatever usable fields it had.
func scaffold(b Block) Block {
	if b.ID == "" {
		b.ID = util.NewID("blk")
	}
	if b.Type == "" {
		b.Type = ScaffoldType
	}
	return normalizeBlock(b)
}

func collectIDs(blocks []Block, into map[string]struct{}) {
	for _, b := range blocks {
		into[b.ID] = struct{}{}
		collectIDs(b.Children, into)
	}
}

func findInTree(blocks []Block, id string) (Block, bool) {
	for _, b := range blocks {
		if b.ID == id {
			return b, true
		}
		if found, ok := findInTree(b.Children, id); ok {
			return found, true
		}
	}
	return Block{}, false
}

// updateInTree applies fn to the block with id, returning the rewritten tree.
func updateInTree(blocks []Block, id string, fn func(*Block)) ([]Block, bool) {
	out := make([]Block, len(blocks))
	copy(out, blocks)
	for i := range out {
		if out[i].ID == id {
			fn(&out[i])
			return out, true
		}
		if children, ok := updateInTree(out[i].Children, id, fn); ok {
			out[i].Children = children
			return out, true
		}
	}
	return blocks, false
}

// removeFromTree drops the block with id from a children list.
func removeFromTree(blocks []Block, id string) ([]Block, bool) {
	for i := range blocks {
		if blocks[i].ID == id {
			out := make([]Block, 0, len(blocks)-1)
			out = append(out, blocks[:i]...)
			return append(out, blocks[i+1:]...), true
		}
		if children, ok := removeFromTree(blocks[i].Children, id); ok {
			out := make([]Block, len(blocks))
			copy(out, blocks)
			out[i].Children = children
			return out, true
		}
	}
	return blocks, false
}

func applyUpdate(b *Block, update BlockUpdate) {
	if update.Type != nil && *update.Type != "" {
		b.Type = *update.Type
	}
	if update.Props != nil {
		merged := make(map[string]any, len(b.Props)+len(update.Props))
		for k, v := range b.Props {
			merged[k] = v
		}
		for k, v := range update.Props {
			if v == nil {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		b.Props = merged
	}
	if update.Content != nil {
		b.Content = update.Content
	}
	if update.Children != nil {
		b.Children = update.Children
	}
}
