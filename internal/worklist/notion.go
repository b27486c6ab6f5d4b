package worklist

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
)

// maxRichText is the Notion limit for one rich_text content string.
const maxRichText = 2000

// Notion reads to_do blocks of a page through the Notion blocks API.
type Notion struct {
	endpoint string
	apiKey   string
	version  string
	client   *http.Client
	logger   *zap.Logger
}

// NewNotion creates a Notion worklist client.
func NewNotion(endpoint, apiKey, version string, logger *zap.Logger) *Notion {
	return &Notion{
		endpoint: endpoint,
		apiKey:   apiKey,
		version:  version,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

// ListPending pages through the children of listID and keeps unchecked
// to_do blocks.
func (n *Notion) ListPending(ctx context.Context, listID string) ([]Item, error) {
	var items []Item
	cursor := ""
	pos := 0
	for {
		q := url.Values{"page_size": {"100"}}
		if cursor != "" {
			q.Set("start_cursor", cursor)
		}
		body, err := n.do(ctx, http.MethodGet, "/blocks/"+listID+"/children?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("list blocks of %s: %w", listID, err)
		}

		for _, b := range gjson.GetBytes(body, "results").Array() {
			if b.Get("type").String() != "to_do" {
				continue
			}
			pos++
			checked := b.Get("to_do.checked").Bool()
			if checked {
				continue
			}
			var text string
			for _, rt := range b.Get("to_do.rich_text").Array() {
				text += rt.Get("plain_text").String()
			}
			items = append(items, Item{
				ID:       b.Get("id").String(),
				ListID:   listID,
				Content:  text,
				Position: pos - 1,
			})
		}

		if !gjson.GetBytes(body, "has_more").Bool() {
			break
		}
		cursor = gjson.GetBytes(body, "next_cursor").String()
		if cursor == "" {
			break
		}
	}
	n.logger.Debug("notion items listed", zap.String("list", listID), zap.Int("pending", len(items)))
	return items, nil
}

// UpdateItemStatus checks the block when status is done. Other statuses
// have no representation on a to_do block.
func (n *Notion) UpdateItemStatus(ctx context.Context, itemID string, status Status) error {
	if status != StatusDone {
		return nil
	}
	payload, err := sjson.SetBytes([]byte(`{}`), "to_do.checked", true)
	if err != nil {
		return err
	}
	if _, err := n.do(ctx, http.MethodPatch, "/blocks/"+itemID, payload); err != nil {
		return fmt.Errorf("check block %s: %w", itemID, err)
	}
	return nil
}

// AppendNote adds a collapsed toggle under the item holding the note.
func (n *Notion) AppendNote(ctx context.Context, itemID string, note Note) error {
	payload, err := noteBlocks(note)
	if err != nil {
		return fmt.Errorf("build note: %w", err)
	}
	if _, err := n.do(ctx, http.MethodPatch, "/blocks/"+itemID+"/children", payload); err != nil {
		return fmt.Errorf("append note to %s: %w", itemID, err)
	}
	return nil
}

const (
	noteTemplate      = `{"children":[{"type":"toggle","toggle":{"rich_text":[{"type":"text","text":{"content":""}}],"color":"gray_background","children":[]}}]}`
	paragraphTemplate = `{"type":"paragraph","paragraph":{"rich_text":[{"type":"text","text":{"content":""}}]}}`
)

func noteBlocks(note Note) ([]byte, error) {
	doc, err := sjson.SetBytes([]byte(noteTemplate), "children.0.toggle.rich_text.0.text.content", truncateRunes(note.Title, maxRichText))
	if err != nil {
		return nil, err
	}

	appendParagraph := func(text, link string) error {
		p, err := sjson.SetBytes([]byte(paragraphTemplate), "paragraph.rich_text.0.text.content", text)
		if err != nil {
			return err
		}
		if link != "" {
			if p, err = sjson.SetBytes(p, "paragraph.rich_text.0.text.link.url", link); err != nil {
				return err
			}
		}
		doc, err = sjson.SetRawBytes(doc, "children.0.toggle.children.-1", p)
		return err
	}

	for _, chunk := range chunkRunes(note.Body, maxRichText) {
		if err := appendParagraph(chunk, ""); err != nil {
			return nil, err
		}
	}
	if note.URL != "" {
		if err := appendParagraph(note.URL, note.URL); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func (n *Notion) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, n.endpoint+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+n.apiKey)
	req.Header.Set("Notion-Version", n.version)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		msg := gjson.GetBytes(data, "message").String()
		if msg == "" {
			msg = string(data)
		}
		return nil, fmt.Errorf("notion %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	return data, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func chunkRunes(s string, n int) []string {
	r := []rune(s)
	if len(r) == 0 {
		return nil
	}
	var out []string
	for len(r) > n {
		out = append(out, string(r[:n]))
		r = r[n:]
	}
	return append(out, string(r))
}
