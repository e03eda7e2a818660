package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachineRoundTrip(t *testing.T) {
	e := &MachinePoolEntry{
		MachineID:    "m1",
		State:        MachineIdle,
		LastActiveAt: 42,
		CreatedAt:    10,
	}

	raw, err := EncodeMachine(e)
	require.NoError(t, err)

	got := DecodeMachine(raw)
	require.NotNil(t, got)
	assert.Equal(t, *e, *got)
}

func TestDecodeMachineMalformed(t *testing.T) {
	assert.Nil(t, DecodeMachine("not json"))
	assert.Nil(t, DecodeMachine(""))
	assert.Nil(t, DecodeMachine(`{"state":"idle"}`))
}

func TestKeysNamespacing(t *testing.T) {
	k := NewKeys("rwos")
	assert.Equal(t, "rwos:jobs:pending", k.JobsPending())
	assert.Equal(t, "rwos:jobs:status:j1", k.JobStatus("j1"))
	assert.Equal(t, "j1", k.JobIDFromStatusKey(k.JobStatus("j1")))

	k2 := NewKeys("rwos:")
	assert.Equal(t, "rwos:jobs:pending", k2.JobsPending())
}
