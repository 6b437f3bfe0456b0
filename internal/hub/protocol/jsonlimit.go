package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxNestingDepth bounds nested JSON parsed from opaque payloads
// (chunk metadata, persisted columns).
const DefaultMaxNestingDepth = 32

// maxCollectionSize bounds the number of entries any single object or
// array may carry inside an opaque nested payload.
const maxCollectionSize = 1000

var (
	// ErrTooDeep is returned when nested JSON exceeds the depth bound.
	ErrTooDeep = errors.New("nested JSON exceeds maximum depth")

	// ErrCollectionTooLarge is returned when a single object or array
	// carries more than maxCollectionSize entries.
	ErrCollectionTooLarge = errors.New("nested JSON collection exceeds maximum size")
)

// CheckNestedLimits validates opaque nested JSON against the depth and
// per-level collection size bounds without materializing it. Empty
// input is accepted.
func CheckNestedLimits(data []byte, maxDepth int) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxNestingDepth
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	// counts[i] tracks the number of entries seen at nesting level i+1.
	// For objects each key/value pair counts once, so key tokens are
	// counted and value tokens at object levels are skipped.
	type frame struct {
		isObject  bool
		count     int
		expectKey bool
	}
	var stack []frame

	bump := func() error {
		if len(stack) == 0 {
			return nil
		}
		top := &stack[len(stack)-1]
		if top.isObject {
			// Count keys only.
			if !top.expectKey {
				top.expectKey = true
				return nil
			}
			top.expectKey = false
		}
		top.count++
		if top.count > maxCollectionSize {
			return ErrCollectionTooLarge
		}
		return nil
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("parse nested JSON: %w", err)
		}

		switch v := tok.(type) {
		case json.Delim:
			switch v {
			case '{', '[':
				if err := bump(); err != nil {
					return err
				}
				if len(stack)+1 > maxDepth {
					return ErrTooDeep
				}
				stack = append(stack, frame{isObject: v == '{', expectKey: v == '{'})
			case '}', ']':
				stack = stack[:len(stack)-1]
			}
		default:
			if err := bump(); err != nil {
				return err
			}
		}
	}
}
