package proofhash

import (
	"strings"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumKnownVector(t *testing.T) {
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", Sum([]byte("abc")).Hex())
}

func TestSumDeterministicAndSensitive(t *testing.T) {
	a := SumString(`{"carId":"1"}`)
	b := SumString(`{"carId":"1"}`)
	c := SumString(`{"carId":"2"}`)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.Len(t, a.Hex(), 64)
	assert.Equal(t, strings.ToLower(a.Hex()), a.Hex())
}

func TestKeyedBindsWalletAndNonce(t *testing.T) {
	canon := []byte(`{"carId":"1"}`)
	base := Keyed(canon, "W1", 1)
	assert.False(t, base.Equal(Keyed(canon, "W1", 2)))
	assert.False(t, base.Equal(Keyed(canon, "W2", 1)))
	assert.False(t, base.Equal(Sum(canon)))
	assert.True(t, base.Equal(Keyed(canon, "W1", 1)))
}

func TestParse(t *testing.T) {
	d := SumString("x")
	got, err := Parse("sha256:" + strings.ToUpper(d.Hex()))
	require.NoError(t, err)
	assert.True(t, d.Equal(got))

	_, err = Parse("deadbeef")
	assert.True(t, eris.Is(err, ErrInvalidDigest))
	_, err = Parse("zz")
	assert.True(t, eris.Is(err, ErrInvalidDigest))

	assert.True(t, EqualHex(d.Hex(), "sha256:"+d.Hex()))
	assert.False(t, EqualHex(d.Hex(), "nothex"))
}
