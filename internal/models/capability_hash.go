package models

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// capabilityHash produces a stable digest over a Capabilities value so that
// equal capability sets (regardless of slice ordering) hash identically.
func capabilityHash(c Capabilities) string {
	methods := append([]string(nil), c.Methods...)
	tasks := append([]string(nil), c.Tasks...)
	jobs := append([]string(nil), c.JobNames...)
	sort.Strings(methods)
	sort.Strings(tasks)
	sort.Strings(jobs)

	var b strings.Builder
	b.WriteString(strings.Join(methods, ","))
	b.WriteByte('|')
	b.WriteString(strings.Join(tasks, ","))
	b.WriteByte('|')
	b.WriteString(strings.Join(jobs, ","))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
