package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/hyperengineering/liftlog/internal/store"
	"github.com/hyperengineering/liftlog/internal/transport"
)

// Kind classifies an operation by its controller verb.
type Kind int

const (
	KindRead Kind = iota
	KindCreate
	KindEdit
	KindRemove
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindEdit:
		return "edit"
	case KindRemove:
		return "remove"
	default:
		return "read"
	}
}

// KindOf derives the operation kind from a controller name.
func KindOf(controller string) Kind {
	switch strings.ToLower(strings.TrimSpace(controller)) {
	case "create", "add", "insert":
		return KindCreate
	case "edit", "update", "change":
		return KindEdit
	case "delete", "remove":
		return KindRemove
	default:
		return KindRead
	}
}

// MergeParams overlays the top-level keys of overlay onto base. Overlay
// values win and nested objects or arrays are replaced whole.
func MergeParams(base, overlay json.RawMessage) (json.RawMessage, error) {
	out := []byte(`{}`)
	if len(base) > 0 {
		b := gjson.ParseBytes(base)
		if !b.IsObject() {
			return nil, fmt.Errorf("merge params: base is not a JSON object")
		}
		out = append([]byte(nil), base...)
	}

	if len(overlay) == 0 {
		return out, nil
	}

	o := gjson.ParseBytes(overlay)
	if !o.IsObject() {
		return nil, fmt.Errorf("merge params: overlay is not a JSON object")
	}

	var err error
	o.ForEach(func(k, v gjson.Result) bool {
		out, err = sjson.SetRawBytes(out, transport.EscapeKey(k.String()), []byte(v.Raw))
		return err == nil
	})
	if err != nil {
		return nil, fmt.Errorf("merge params: %w", err)
	}

	return out, nil
}

// foldFor returns how an incoming intent of kind combines with a queued row
// sharing its correlation id.
//
// A removal cancels a queued creation outright and replaces a queued edit.
// Anything else is shallow-merged into the queued row, which keeps its own
// routing and idempotency token.
func foldFor(kind Kind) store.FoldFunc {
	return func(existing store.QueuedMutation, incoming store.MutationPayload) (store.FoldAction, store.MutationPayload, error) {
		if kind == KindRemove {
			if KindOf(existing.Payload.Controller) == KindCreate {
				return store.FoldDelete, store.MutationPayload{}, nil
			}
			return store.FoldReplace, incoming, nil
		}

		if KindOf(existing.Payload.Controller) == KindRemove {
			// Editing a record already queued for removal changes nothing.
			return store.FoldKeep, existing.Payload, nil
		}

		params, err := MergeParams(existing.Payload.Params, incoming.Params)
		if err != nil {
			return store.FoldKeep, store.MutationPayload{}, err
		}

		return store.FoldReplace, store.MutationPayload{
			Controller: existing.Payload.Controller,
			Action:     existing.Payload.Action,
			Params:     params,
			Token:      existing.Payload.Token,
		}, nil
	}
}
