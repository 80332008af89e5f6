// Package actions implements the read-only discovery commands: listing
// objects, listing the fields and key candidates of one object, and checking
// that the stored credentials work end to end.
//
// Actions never touch watermarks or checkpoints. They do go through the token
// manager, so a refresh performed on their behalf is persisted like any other
// rotation.
package actions

import (
	"context"
	"io"
	"strings"

	"github.com/ajitpratap0/intacct-extractor/pkg/errors"
	"github.com/ajitpratap0/intacct-extractor/pkg/intacct"
	"github.com/ajitpratap0/intacct-extractor/pkg/json"
)

// API is the part of the object API the actions need.
type API interface {
	ListObjects(ctx context.Context) ([]intacct.ObjectDescriptor, error)
	DescribeObject(ctx context.Context, object string) (*intacct.ObjectSchema, error)
}

// Element is one selectable value.
type Element struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Status is the result of TestConnection.
type Status struct {
	Status string `json:"status"`
}

// ListEndpoints returns every object readable with GET.
func ListEndpoints(ctx context.Context, api API) ([]Element, error) {
	objects, err := api.ListObjects(ctx)
	if err != nil {
		return nil, err
	}
	elements := make([]Element, 0, len(objects))
	for _, obj := range objects {
		elements = append(elements, Element{Value: obj.Name, Label: obj.Name})
	}
	return elements, nil
}

// ListColumns returns the fields of object in model order.
func ListColumns(ctx context.Context, api API, object string) ([]Element, error) {
	schema, err := describe(ctx, api, object)
	if err != nil {
		return nil, err
	}
	elements := make([]Element, 0, len(schema.Fields))
	for _, f := range schema.Fields {
		elements = append(elements, Element{Value: f, Label: f})
	}
	return elements, nil
}

// ListPrimaryKeys returns the primary key candidates of object followed by
// its remaining fields, since any field may be configured as the key.
func ListPrimaryKeys(ctx context.Context, api API, object string) ([]Element, error) {
	schema, err := describe(ctx, api, object)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(schema.Fields))
	elements := make([]Element, 0, len(schema.Fields))
	for _, k := range schema.PrimaryKeyCandidates {
		seen[k] = true
		elements = append(elements, Element{Value: k, Label: k + " (primary key)"})
	}
	for _, f := range schema.Fields {
		if !seen[f] {
			elements = append(elements, Element{Value: f, Label: f})
		}
	}
	return elements, nil
}

// TestConnection lists objects to prove the credentials are accepted.
func TestConnection(ctx context.Context, api API) (*Status, error) {
	if _, err := api.ListObjects(ctx); err != nil {
		return nil, err
	}
	return &Status{Status: "success"}, nil
}

// Write prints v as a single JSON document followed by a newline.
func Write(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode action result")
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeOutput, "failed to write action result")
	}
	return nil
}

func describe(ctx context.Context, api API, object string) (*intacct.ObjectSchema, error) {
	object = strings.TrimSpace(object)
	if object == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "endpoint is required")
	}
	return api.DescribeObject(ctx, object)
}
