package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMerge_SetOvewritesExisting(t *testing.T) {
	existing := Properties{"a": 1, "b": 2}
	set := Properties{"b": 3, "c": 4}

	out := Merge(existing, nil, set)

	assert.Equal(t, 1, out["a"])
	assert.Equal(t, 3, out["b"])
	assert.Equal(t, 4, out["c"])
}

func TestMerge_SetOnceNeverOverwrites(t *testing.T) {
	existing := Properties{"a": "first"}
	setOnce := Properties{"a": "second", "b": "only-set-once"}

	out := Merge(existing, setOnce, nil)

	assert.Equal(t, "first", out["a"], "set_once must not overwrite an existing value")
	assert.Equal(t, "only-set-once", out["b"])
}

func TestMerge_PrecedenceSetBeatsExistingAndSetOnce(t *testing.T) {
	existing := Properties{"k": "existing"}
	setOnce := Properties{"k": "set_once"}
	set := Properties{"k": "set"}

	out := Merge(existing, setOnce, set)

	assert.Equal(t, "set", out["k"])
}

func TestEvent_TypeHelpers(t *testing.T) {
	assert.True(t, (&Event{Event: "$identify"}).IsIdentify())
	assert.True(t, (&Event{Event: "$create_alias"}).IsCreateAlias())
	assert.True(t, (&Event{Event: "$snapshot"}).IsSnapshot())
	assert.False(t, (&Event{Event: "$pageview"}).IsIdentify())
}

func TestEvent_PropString(t *testing.T) {
	e := &Event{Properties: Properties{"name": "alice", "age": 30}}

	assert.Equal(t, "alice", e.PropString("name"))
	assert.Equal(t, "", e.PropString("age"), "non-string values resolve to empty string")
	assert.Equal(t, "", e.PropString("missing"))

	var nilProps Event
	assert.Equal(t, "", nilProps.PropString("anything"))
}

func TestProperties_ScanValueRoundTrip(t *testing.T) {
	p := Properties{"x": float64(1)}

	raw, err := p.Value()
	assert.NoError(t, err)

	var out Properties
	assert.NoError(t, out.Scan(raw))
	assert.Equal(t, float64(1), out["x"])
}

func TestProperties_ScanNil(t *testing.T) {
	var out Properties
	assert.NoError(t, out.Scan(nil))
	assert.NotNil(t, out)
	assert.Len(t, out, 0)
}
