// Package transform resolves named client queries into query ASTs.
package transform

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/katasec/dstream-ingester-materialize/internal/config"
)

const (
	requestTag  = "transform"
	responseTag = "transformed"

	detailsMissingIDName = "missing id/name"
	detailsMalformed     = "malformed request"
)

// ErrBadRequest means the body is not a transform request at all.
var ErrBadRequest = errors.New("bad transform request")

// Transformer maps configured query names to ASTs.
type Transformer struct {
	queries map[string]config.QueryConfig
}

// New returns a Transformer serving the given queries.
func New(queries []config.QueryConfig) *Transformer {
	t := &Transformer{queries: make(map[string]config.QueryConfig, len(queries))}
	for _, q := range queries {
		t.queries[q.Name] = q
	}
	return t
}

// Handle decodes ["transform", [{id, name, args}...]] and returns the encoded
// ["transformed", [...]] response. Problems with a single request become an
// application error in its slot. Only an undecodable body fails the call.
func (t *Transformer) Handle(body []byte) ([]byte, error) {
	var req structpb.Value
	if err := protojson.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	top := req.GetListValue()
	if top == nil || len(top.GetValues()) != 2 || top.GetValues()[0].GetStringValue() != requestTag {
		return nil, fmt.Errorf("%w: expected [%q, [...]]", ErrBadRequest, requestTag)
	}
	items := top.GetValues()[1].GetListValue()
	if items == nil {
		return nil, fmt.Errorf("%w: requests must be a list", ErrBadRequest)
	}

	results := make([]any, 0, len(items.GetValues()))
	for _, item := range items.GetValues() {
		results = append(results, t.resolve(item.GetStructValue()))
	}

	resp, err := structpb.NewList([]any{responseTag, results})
	if err != nil {
		return nil, fmt.Errorf("encode transform response: %w", err)
	}
	return protojson.Marshal(resp)
}

func (t *Transformer) resolve(req *structpb.Struct) map[string]any {
	id := stringField(req, "id")
	name := stringField(req, "name")
	if id == "" || name == "" {
		return appError(id, name, detailsMissingIDName)
	}

	q, ok := t.queries[name]
	if !ok {
		return appError(id, name, detailsMalformed)
	}

	var args []*structpb.Value
	if v, ok := req.GetFields()["args"]; ok {
		list := v.GetListValue()
		if list == nil {
			return appError(id, name, detailsMalformed)
		}
		args = list.GetValues()
	}

	ast := map[string]any{"table": q.Table}
	switch {
	case q.Column == "" && len(args) == 0:
	case q.Column != "" && len(args) == 1:
		ast["where"] = map[string]any{
			"type":  "simple",
			"op":    "=",
			"left":  map[string]any{"type": "column", "name": q.Column},
			"right": map[string]any{"type": "literal", "value": args[0].AsInterface()},
		}
	default:
		return appError(id, name, detailsMalformed)
	}

	return map[string]any{"id": id, "name": name, "ast": ast}
}

func stringField(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[key].GetStringValue()
}

func appError(id, name, details string) map[string]any {
	return map[string]any{
		"error":   "app",
		"id":      id,
		"name":    name,
		"details": details,
	}
}
