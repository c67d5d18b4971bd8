package core

import (
	"strings"

	"github.com/google/uuid"
)

const (
	// maxStagingName leaves room for an index suffix under PostgreSQL's
	// 63-byte identifier limit.
	maxStagingName = 55

	stagingInfix = "_stg_"
	suffixLen    = 16
)

// StagingName returns a fresh staging table name derived from base.
//
// Characters outside [a-z0-9_] are replaced with '_' and base is truncated
// so the name fits identifier limits. The 16 hex character suffix comes from
// a random UUID, so concurrent loads into the same table never collide.
func StagingName(base string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]

	var b strings.Builder
	for _, r := range strings.ToLower(base) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name == "" {
		name = "load"
	}

	if limit := maxStagingName - len(stagingInfix) - suffixLen; len(name) > limit {
		name = name[:limit]
	}
	return name + stagingInfix + suffix
}
