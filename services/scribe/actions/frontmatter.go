// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/scribe/services/scribe/datatypes"
)

const frontMatterFence = "---"

// SetFrontMatter merges fields into the document's YAML front matter,
// creating the block when missing. Existing keys keep their position;
// new keys are appended in sorted order.
//
// Params:
//
//	fields - Required object of key/value pairs.
type SetFrontMatter struct {
	Base
}

// NewSetFrontMatter returns the set_frontmatter action.
func NewSetFrontMatter() Action {
	return &SetFrontMatter{Base: Base{
		Desc:     "Set keys in the YAML front matter block",
		Required: []string{"fields"},
	}}
}

// ValidateParams requires fields to be a non-empty object.
func (a *SetFrontMatter) ValidateParams(params map[string]any) bool {
	fields, ok := params["fields"].(map[string]any)
	return ok && len(fields) > 0
}

// Execute rewrites the front matter. Content is returned unchanged when
// every field already holds the requested value.
func (a *SetFrontMatter) Execute(_ context.Context, content string, _ datatypes.Match, _ string, params map[string]any) (string, error) {
	fields, ok := params["fields"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("%w: fields must be an object", ErrInvalidParam)
	}

	header, body, _ := splitFrontMatter(content)
	doc, err := parseFrontMatter(header)
	if err != nil {
		return "", err
	}
	mapping := doc.Content[0]

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	changed := false
	for _, k := range keys {
		want := fields[k]
		var val yaml.Node
		if err := val.Encode(want); err != nil {
			return "", fmt.Errorf("%w: fields.%s: %v", ErrInvalidParam, k, err)
		}

		idx := findKey(mapping, k)
		if idx < 0 {
			mapping.Content = append(mapping.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k},
				&val)
			changed = true
			continue
		}
		var cur any
		if err := mapping.Content[idx+1].Decode(&cur); err == nil && sameValue(cur, want) {
			continue
		}
		mapping.Content[idx+1] = &val
		changed = true
	}
	if !changed {
		return content, nil
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("%w: encode: %v", ErrFrontMatter, err)
	}
	return frontMatterFence + "\n" + string(out) + frontMatterFence + "\n" + body, nil
}

// splitFrontMatter separates a leading "---" fenced block from the body.
func splitFrontMatter(content string) (header, body string, ok bool) {
	normalized := strings.TrimPrefix(content, "\ufeff")
	if !strings.HasPrefix(normalized, frontMatterFence+"\n") && !strings.HasPrefix(normalized, frontMatterFence+"\r\n") {
		return "", content, false
	}
	rest := normalized[strings.IndexByte(normalized, '\n')+1:]

	offset := 0
	for offset <= len(rest) {
		line := rest[offset:]
		nl := strings.IndexByte(line, '\n')
		if nl >= 0 {
			line = line[:nl]
		}
		if strings.TrimRight(line, "\r") == frontMatterFence {
			header = rest[:offset]
			if nl < 0 {
				return header, "", true
			}
			return header, rest[offset+nl+1:], true
		}
		if nl < 0 {
			break
		}
		offset += nl + 1
	}
	return "", content, false
}

func parseFrontMatter(header string) (*yaml.Node, error) {
	doc := &yaml.Node{}
	if strings.TrimSpace(header) != "" {
		if err := yaml.Unmarshal([]byte(header), doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFrontMatter, err)
		}
	}
	if doc.Kind == 0 {
		doc.Kind = yaml.DocumentNode
		doc.Content = []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: front matter is not a mapping", ErrFrontMatter)
	}
	return doc, nil
}

func findKey(mapping *yaml.Node, key string) int {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return i
		}
	}
	return -1
}

// sameValue compares through JSON so 3 (YAML int) equals 3.0 (JSON number).
func sameValue(a, b any) bool {
	na, errA := jsonNormalize(a)
	nb, errB := jsonNormalize(b)
	if errA != nil || errB != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

func jsonNormalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	err = json.Unmarshal(raw, &out)
	return out, err
}

var _ Action = (*SetFrontMatter)(nil)
