package directory

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/dkeye/relaylobby/internal/domain"
)

// REST request and response bodies shared by the HTTP backend and lobbyd.

type CreateRequest struct {
	Owner      domain.Identity `json:"owner"`
	MaxMembers int             `json:"max_members"`
}

type JoinRequest struct {
	Identity domain.Identity `json:"identity"`
}

type MetadataRequest struct {
	Value string `json:"value"`
}

type VisibilityRequest struct {
	Visibility domain.Visibility `json:"visibility"`
}

type JoinableRequest struct {
	Joinable bool `json:"joinable"`
}

type ListResponse struct {
	Sessions []*domain.Session `json:"sessions"`
}

// The password is not a list filter: matching on it would reveal it.
var filterKeys = []domain.MetadataKey{domain.KeyName, domain.KeyFilterTag}

// EncodeFilter renders a filter as list query parameters.
func EncodeFilter(f domain.Filter) url.Values {
	q := url.Values{}
	for k, v := range f.Metadata {
		q.Set(string(k), v)
	}
	if f.MinFreeSlots > 0 {
		q.Set("min_free_slots", strconv.Itoa(f.MinFreeSlots))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	return q
}

// DecodeFilter parses list query parameters. Unknown parameters are ignored.
func DecodeFilter(q url.Values) (domain.Filter, error) {
	var f domain.Filter
	for _, k := range filterKeys {
		if q.Has(string(k)) {
			if f.Metadata == nil {
				f.Metadata = make(map[domain.MetadataKey]string)
			}
			f.Metadata[k] = q.Get(string(k))
		}
	}
	var err error
	if v := q.Get("min_free_slots"); v != "" {
		if f.MinFreeSlots, err = strconv.Atoi(v); err != nil || f.MinFreeSlots < 0 {
			return domain.Filter{}, fmt.Errorf("invalid min_free_slots %q", v)
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			return domain.Filter{}, fmt.Errorf("invalid limit %q", v)
		}
	}
	return f, nil
}
