package classify_test

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietledger/gabriel/internal/classify"
	"github.com/quietledger/gabriel/internal/model"
)

func compressedPubkeyScript() []byte {
	pubkey := make([]byte, 33)
	pubkey[0] = 0x02
	for i := 1; i < 33; i++ {
		pubkey[i] = byte(i)
	}
	script := append([]byte{byte(len(pubkey))}, pubkey...)
	script = append(script, 0xac) // OP_CHECKSIG
	return script
}

func uncompressedPubkeyScript() []byte {
	pubkey := make([]byte, 65)
	pubkey[0] = 0x04
	for i := 1; i < 65; i++ {
		pubkey[i] = byte(i)
	}
	script := append([]byte{byte(len(pubkey))}, pubkey...)
	script = append(script, 0xac)
	return script
}

func taprootScript() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	script := []byte{0x51, byte(len(key))} // OP_1 <push 32>
	script = append(script, key...)
	return script
}

func p2pkhScript() []byte {
	hash := make([]byte, 20)
	for i := range hash {
		hash[i] = byte(i)
	}
	script := []byte{0x76, 0xa9, byte(len(hash))} // OP_DUP OP_HASH160 <push 20>
	script = append(script, hash...)
	script = append(script, 0x88, 0xac) // OP_EQUALVERIFY OP_CHECKSIG
	return script
}

func TestScript_P2PK_Compressed(t *testing.T) {
	script := compressedPubkeyScript()
	result := classify.Script(script)
	require.Equal(t, model.P2PK, result.Kind)
	assert.Len(t, result.Tag, 33)
}

func TestScript_P2PK_Uncompressed(t *testing.T) {
	script := uncompressedPubkeyScript()
	result := classify.Script(script)
	require.Equal(t, model.P2PK, result.Kind)
	assert.Len(t, result.Tag, 65)
}

func TestScript_P2TR(t *testing.T) {
	script := taprootScript()
	result := classify.Script(script)
	require.Equal(t, model.P2TR, result.Kind)
	assert.Len(t, result.Tag, 32)
}

func TestScript_Other_P2PKH(t *testing.T) {
	result := classify.Script(p2pkhScript())
	assert.Equal(t, model.Other, result.Kind)
	assert.Nil(t, result.Tag)
}

func TestScript_Other_Malformed(t *testing.T) {
	result := classify.Script([]byte{0x01}) // push 1 byte but no data follows
	assert.Equal(t, model.Other, result.Kind)
}

func TestScript_Other_Empty(t *testing.T) {
	result := classify.Script(nil)
	assert.Equal(t, model.Other, result.Kind)
}

func TestScript_RejectsWrongKeyLength(t *testing.T) {
	// A 20-byte push followed by OP_CHECKSIG is not a valid P2PK length.
	data := make([]byte, 20)
	script := append([]byte{byte(len(data))}, data...)
	script = append(script, 0xac)
	result := classify.Script(script)
	assert.Equal(t, model.Other, result.Kind)
}

func TestScriptHex(t *testing.T) {
	script := compressedPubkeyScript()
	result := classify.ScriptHex(hex.EncodeToString(script))
	require.Equal(t, model.P2PK, result.Kind)
}

func TestScriptHex_Invalid(t *testing.T) {
	result := classify.ScriptHex("not-hex")
	assert.Equal(t, model.Other, result.Kind)
}

func TestScript_IsPure(t *testing.T) {
	script := compressedPubkeyScript()
	first := classify.Script(script)
	second := classify.Script(script)
	assert.Equal(t, first, second)
}
