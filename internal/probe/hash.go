package probe

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/Mopra/exit1.dev-sub001/internal/model"
)

// CheckHash derives a stable identity for the probe-relevant parts of a
// target's configuration. When the hash changes the failure streak no
// longer describes the same check and is reset by the scheduler.
func CheckHash(t *model.Target) string {
	var b strings.Builder
	b.WriteString(t.URL)
	b.WriteByte('\n')
	b.WriteString(string(t.Kind))
	b.WriteByte('\n')
	b.WriteString(strings.ToUpper(t.HTTPMethod))
	b.WriteByte('\n')

	codes := make([]string, 0, len(t.ExpectedStatusCodes))
	for _, c := range t.ExpectedStatusCodes {
		codes = append(codes, strconv.Itoa(c))
	}
	sort.Strings(codes)
	b.WriteString(strings.Join(codes, ","))
	b.WriteByte('\n')

	b.WriteString(t.HeadersJSON)
	b.WriteByte('\n')
	b.WriteString(t.RequestBody)
	b.WriteByte('\n')

	if v := t.Validator; v != nil {
		contains := append([]string(nil), v.ContainsText...)
		sort.Strings(contains)
		b.WriteString(strings.Join(contains, ","))
		b.WriteByte('\n')
		b.WriteString(v.JSONPath)
		b.WriteByte('\n')
		b.WriteString(v.ExpectedValue)
		b.WriteByte('\n')
	}

	if t.CacheNoCache {
		b.WriteString("no-cache\n")
	}

	return fmt.Sprintf("%016x", xxh3.HashString(b.String()))
}
