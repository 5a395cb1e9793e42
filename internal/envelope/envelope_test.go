package envelope

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Low iteration count keeps the suite fast; the format is identical.
const testIterations = 1000

func TestRoundTrip(t *testing.T) {
	c := New("correct horse battery staple", testIterations)

	for _, plain := range []string{"", "hello world", "+16502530000", strings.Repeat("Ünïcødé ✓ ", 40)} {
		enc, err := c.Encrypt(plain)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(enc, "$aes-256-cbc/pbkdf2-sha1$i=1000$"), enc)

		got, err := c.Decrypt(enc)
		require.NoError(t, err)
		require.Equal(t, plain, got)
	}
}

func TestDecryptUsesEnvelopeIterations(t *testing.T) {
	enc, err := New("pw", 1500).Encrypt("payload")
	require.NoError(t, err)

	// A cipher configured with a different default still reads i=1500.
	got, err := New("pw", 0).Decrypt(enc)
	require.NoError(t, err)
	require.Equal(t, "payload", got)
}

func TestMutatedCiphertextFails(t *testing.T) {
	c := New("secret", testIterations)
	salt := bytes.Repeat([]byte{7}, saltLen)

	enc, err := c.encrypt("hello world", salt)
	require.NoError(t, err)

	parts := strings.Split(enc, "$")
	ct := []byte(parts[4])
	// len-5 always lands inside the last cipher block, before any '=' padding.
	i := len(ct) - 5
	if ct[i] == 'A' {
		ct[i] = 'B'
	} else {
		ct[i] = 'A'
	}
	parts[4] = string(ct)

	_, err = c.Decrypt(strings.Join(parts, "$"))
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestWrongPassphraseFails(t *testing.T) {
	salt := bytes.Repeat([]byte{3}, saltLen)
	enc, err := New("right", testIterations).encrypt("some reasonably long message text", salt)
	require.NoError(t, err)

	_, err = New("wrong", testIterations).Decrypt(enc)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestNoPassphrase(t *testing.T) {
	_, err := New("", 0).Decrypt("$aes-256-cbc/pbkdf2-sha1$i=1$AAAAAAAAAAAAAAAAAAAAAA==$AAAAAAAAAAAAAAAAAAAAAA==")
	require.ErrorIs(t, err, ErrNoPassphrase)

	var nilCipher *Cipher
	_, err = nilCipher.Decrypt("x")
	require.ErrorIs(t, err, ErrNoPassphrase)
}

func TestParseRejectsMalformed(t *testing.T) {
	salt := "AAAAAAAAAAAAAAAAAAAAAA==" // 16 zero bytes
	ct := "AAAAAAAAAAAAAAAAAAAAAA=="

	cases := []struct {
		name string
		in   string
		want error
	}{
		{"plain text", "hello", ErrMalformed},
		{"too few fields", "$aes-256-cbc/pbkdf2-sha1$i=10$" + salt, ErrMalformed},
		{"no leading separator", "aes-256-cbc/pbkdf2-sha1$i=10$" + salt + "$" + ct + "$x", ErrMalformed},
		{"unknown algorithm", "$aes-128-gcm/argon2$i=10$" + salt + "$" + ct, ErrUnsupported},
		{"missing iteration count", "$aes-256-cbc/pbkdf2-sha1$x=10$" + salt + "$" + ct, ErrMalformed},
		{"bad iteration count", "$aes-256-cbc/pbkdf2-sha1$i=abc$" + salt + "$" + ct, ErrMalformed},
		{"zero iteration count", "$aes-256-cbc/pbkdf2-sha1$i=0$" + salt + "$" + ct, ErrMalformed},
		{"bad salt base64", "$aes-256-cbc/pbkdf2-sha1$i=10$!!!$" + ct, ErrMalformed},
		{"short salt", "$aes-256-cbc/pbkdf2-sha1$i=10$AAAA$" + ct, ErrMalformed},
		{"bad ciphertext base64", "$aes-256-cbc/pbkdf2-sha1$i=10$" + salt + "$***", ErrMalformed},
		{"ciphertext not block aligned", "$aes-256-cbc/pbkdf2-sha1$i=10$" + salt + "$AAAA", ErrMalformed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.in)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestParseAcceptsExtraParams(t *testing.T) {
	env, err := Parse("$aes-256-cbc/pbkdf2-sha1$v=1,i=42$AAAAAAAAAAAAAAAAAAAAAA==$AAAAAAAAAAAAAAAAAAAAAA==")
	require.NoError(t, err)
	require.Equal(t, 42, env.Iterations)
	require.Len(t, env.Salt, saltLen)
	require.Len(t, env.Ciphertext, 16)
}
