package push

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPushType(t *testing.T) {
	tests := []struct {
		typ     PushType
		noDelay bool
		name    string
	}{
		{typ: PushTypeSub, noDelay: true, name: "sub"},
		{typ: PushTypeReg, noDelay: false, name: "reg"},
		{typ: PushTypeEmpty, noDelay: true, name: "empty"},
		{typ: PushType(42), noDelay: false, name: "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.noDelay, tt.typ.NoDelay())
			assert.Equal(t, tt.name, tt.typ.String())
		})
	}
	assert.Equal(t, PushTypeSub, ParsePushType("sub"))
	assert.Equal(t, PushTypeEmpty, ParsePushType("empty"))
	assert.Equal(t, PushTypeReg, ParsePushType("reg"))
	assert.Equal(t, PushTypeReg, ParsePushType(""))
}

func TestTask_IsNewer(t *testing.T) {
	v1 := &Task{Datum: Datum{Version: 1}}
	v2 := &Task{Datum: Datum{Version: 2}}
	v2dup := &Task{Datum: Datum{Version: 2}, RetryCount: 1}

	assert.True(t, v2.IsNewer(v1))
	assert.False(t, v1.IsNewer(v2))
	assert.False(t, v2.IsNewer(v2dup), "equal versions are duplicates")
	assert.False(t, v2dup.IsNewer(v2), "equal versions are duplicates")
	assert.True(t, v1.IsNewer(nil))
}

func TestTask_Host(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{addr: "10.0.0.1:9600", want: "10.0.0.1"},
		{addr: "[::1]:9600", want: "::1"},
		{addr: "client.local", want: "client.local"},
		{addr: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.want, (&Task{Addr: tt.addr}).Host())
		})
	}
}

func TestTask_NoDelay(t *testing.T) {
	task := &Task{Trace: Trace{Cause: Cause{Type: PushTypeSub}}}
	assert.True(t, task.NoDelay())
	task.Trace.Cause.Type = PushTypeReg
	assert.False(t, task.NoDelay())
}
