package store

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/relatehq/engine/pkg/tuple"
)

const defaultPageSize = 1000

// encodePageToken builds an opaque continuation token over a tuple's key,
// in the same opaque-base64 spirit as a zookie (supplemental
// feature 1): callers must not interpret its contents.
func encodePageToken(k tuple.Key) string {
	raw := strings.Join([]string{k.Namespace, k.ObjectID, k.Relation, k.UserType, k.UserID}, "\x00")
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodePageToken(token string) (tuple.Key, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return tuple.Key{}, fmt.Errorf("store: invalid page token: %w", err)
	}
	parts := strings.Split(string(raw), "\x00")
	if len(parts) != 5 {
		return tuple.Key{}, fmt.Errorf("store: malformed page token")
	}
	return tuple.Key{
		Namespace: parts[0],
		ObjectID:  parts[1],
		Relation:  parts[2],
		UserType:  parts[3],
		UserID:    parts[4],
	}, nil
}

// paginate applies a previously sorted candidate slice's page token and
// page size, returning the next page plus a continuation token.
func paginate(sorted []tuple.RelationTuple, filter ReadFilter) (Page, error) {
	start := 0
	if filter.PageToken != "" {
		after, err := decodePageToken(filter.PageToken)
		if err != nil {
			return Page{}, err
		}
		for i, t := range sorted {
			if less(after, t.Key()) {
				start = i
				break
			}
			start = i + 1
		}
	}

	size := filter.PageSize
	if size <= 0 {
		size = defaultPageSize
	}

	end := start + size
	if end > len(sorted) {
		end = len(sorted)
	}
	if start > len(sorted) {
		start = len(sorted)
	}

	page := append([]tuple.RelationTuple(nil), sorted[start:end]...)

	var next string
	if end < len(sorted) {
		next = encodePageToken(page[len(page)-1].Key())
	}

	return Page{Tuples: page, NextPageToken: next}, nil
}
