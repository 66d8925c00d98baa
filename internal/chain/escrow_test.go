package chain

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

// abiDynamicString encodes a length word followed by the string data padded
// to a 32-byte boundary, the tail layout of a dynamic string.
func abiDynamicString(s string) []byte {
	out := common.LeftPadBytes(big.NewInt(int64(len(s))).Bytes(), 32)
	padded := make([]byte, (len(s)+31)/32*32)
	copy(padded, s)
	return append(out, padded...)
}

// encodeInfoOutput builds a getInfo() return payload: two address words, two
// offset words, then the string tails.
func encodeInfoOutput(name, version string) []byte {
	nameTail := abiDynamicString(name)
	versionTail := abiDynamicString(version)

	out := make([]byte, 0, 4*32+len(nameTail)+len(versionTail))
	out = append(out, common.LeftPadBytes(common.HexToAddress("0x1").Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(common.HexToAddress("0x2").Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(big.NewInt(4*32).Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(big.NewInt(int64(4*32+len(nameTail))).Bytes(), 32)...)
	out = append(out, nameTail...)
	out = append(out, versionTail...)
	return out
}

func TestReadABIStringDecodesInfoTuple(t *testing.T) {
	out := encodeInfoOutput("MeterPay Escrow", "1.2.0")

	name, err := readABIString(out, 2)
	require.NoError(t, err)
	require.Equal(t, "MeterPay Escrow", name)

	version, err := readABIString(out, 3)
	require.NoError(t, err)
	require.Equal(t, "1.2.0", version)
}

func TestReadABIStringEmptyString(t *testing.T) {
	out := encodeInfoOutput("", "1.0.0")

	name, err := readABIString(out, 2)
	require.NoError(t, err)
	require.Empty(t, name)
}

func TestReadABIStringLongString(t *testing.T) {
	// Longer than one word, so the tail spans multiple padded words.
	long := "an escrow contract name well past thirty-two bytes of data"
	name, err := readABIString(encodeInfoOutput(long, "v"), 2)
	require.NoError(t, err)
	require.Equal(t, long, name)
}

func TestReadABIStringTruncatedHead(t *testing.T) {
	out := encodeInfoOutput("name", "version")
	_, err := readABIString(out[:2*32], 2)
	require.Error(t, err)
}

func TestReadABIStringOffsetOutOfRange(t *testing.T) {
	out := make([]byte, 3*32)
	copy(out[2*32:], common.LeftPadBytes(big.NewInt(1<<20).Bytes(), 32))
	_, err := readABIString(out, 2)
	require.Error(t, err)
}

func TestReadABIStringLengthOutOfRange(t *testing.T) {
	// Valid offset, but the declared length runs past the payload.
	out := make([]byte, 4*32)
	copy(out[2*32:], common.LeftPadBytes(big.NewInt(3*32).Bytes(), 32))
	copy(out[3*32:], common.LeftPadBytes(big.NewInt(1_000).Bytes(), 32))
	_, err := readABIString(out, 2)
	require.Error(t, err)
}

func TestLoadOperatorKeyFromEnv(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	hexKey := common.Bytes2Hex(ethcrypto.FromECDSA(key))
	t.Setenv("ESCROW_OPERATOR_KEY", "0x"+hexKey)

	loaded, err := loadOperatorKey("")
	require.NoError(t, err)
	require.Equal(t, ethcrypto.PubkeyToAddress(key.PublicKey), ethcrypto.PubkeyToAddress(loaded.PublicKey))
}

func TestLoadOperatorKeyFromFile(t *testing.T) {
	t.Setenv("ESCROW_OPERATOR_KEY", "")

	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "operator.key")
	require.NoError(t, os.WriteFile(path, []byte(common.Bytes2Hex(ethcrypto.FromECDSA(key))+"\n"), 0o600))

	loaded, err := loadOperatorKey(path)
	require.NoError(t, err)
	require.Equal(t, ethcrypto.PubkeyToAddress(key.PublicKey), ethcrypto.PubkeyToAddress(loaded.PublicKey))
}

func TestLoadOperatorKeyMissing(t *testing.T) {
	t.Setenv("ESCROW_OPERATOR_KEY", "")
	_, err := loadOperatorKey("")
	require.Error(t, err)
}
