package runtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/pbinitiative/zenflow/pkg/model"
)

// DataItem is a named JSON value passed into or out of a process.
type DataItem struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

// PayloadError is returned for a payload that does not match the result schema of a node.
type PayloadError struct {
	Node string
	Msg  string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid payload for node %q: %s", e.Node, e.Msg)
}

// ParsePayload parses a JSON object into data items ordered by name. An empty payload yields no items.
func ParsePayload(node string, payload []byte) ([]DataItem, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return nil, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, &PayloadError{Node: node, Msg: "payload must be a JSON object"}
	}
	items := make([]DataItem, 0, len(fields))
	for name, value := range fields {
		var compact bytes.Buffer
		if err := json.Compact(&compact, value); err != nil {
			return nil, &PayloadError{Node: node, Msg: err.Error()}
		}
		items = append(items, DataItem{Name: name, Value: compact.Bytes()})
	}
	sortItems(items)
	return items, nil
}

// ParseResults parses the result payload of node against its result schema.
// Nodes without a schema accept any JSON object.
func ParseResults(node model.Node, payload []byte) ([]DataItem, error) {
	items, err := ParsePayload(node.ID, payload)
	if err != nil || len(node.Results) == 0 {
		return items, err
	}
	declared := map[string]bool{}
	for _, r := range node.Results {
		declared[r.Name] = true
	}
	var missing []string
	for _, r := range node.Results {
		if r.Required && !slices.ContainsFunc(items, func(i DataItem) bool { return i.Name == r.Name }) {
			missing = append(missing, r.Name)
		}
	}
	if len(missing) > 0 {
		return nil, &PayloadError{Node: node.ID, Msg: "missing required results " + strings.Join(missing, ", ")}
	}
	for _, i := range items {
		if !declared[i.Name] {
			return nil, &PayloadError{Node: node.ID, Msg: fmt.Sprintf("undeclared result %q", i.Name)}
		}
	}
	return items, nil
}

// MergeItems returns base overlaid with items, later names replace earlier ones.
func MergeItems(base []DataItem, items ...DataItem) []DataItem {
	res := slices.Clone(base)
	for _, item := range items {
		idx := slices.IndexFunc(res, func(i DataItem) bool { return i.Name == item.Name })
		if idx >= 0 {
			res[idx] = item
			continue
		}
		res = append(res, item)
	}
	sortItems(res)
	return res
}

// EncodeItems renders items as one JSON object.
func EncodeItems(items []DataItem) ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(items))
	for _, i := range items {
		fields[i.Name] = i.Value
	}
	return json.Marshal(fields)
}

func sortItems(items []DataItem) {
	slices.SortFunc(items, func(a, b DataItem) int {
		return strings.Compare(a.Name, b.Name)
	})
}
