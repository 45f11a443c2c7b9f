package cache

import (
	"context"
	"fmt"

	"github.com/Bamington/battleplanapp-sub000/apperr"
	"github.com/Bamington/battleplanapp-sub000/core"
)

// BackendFetcher reads collections from the data collaborator. A user-scoped
// type fetched without an identity yields an empty collection.
func BackendFetcher(data core.DataStore) Fetcher {
	return func(ctx context.Context, key Key) ([]core.Resource, error) {
		rt, ok := core.LookupType(key.Type)
		if !ok {
			return nil, apperr.Validation("unknown_type", "unknown resource type %q", key.Type)
		}

		q := core.Query{OrderBy: rt.OrderBy, Descending: rt.Descending}
		if rt.UserScoped {
			if key.UserID == "" {
				return []core.Resource{}, nil
			}
			q.Filters = []core.Filter{core.Eq(core.FieldUserID, key.UserID)}
		}

		rows, err := data.Select(ctx, rt.Table, q)
		if err != nil {
			return nil, apperr.Backend(fmt.Sprintf("select %s", rt.Table), err)
		}
		if rt.Project != nil {
			for i := range rows {
				rows[i] = rt.Project(rows[i])
			}
		}
		return rows, nil
	}
}
