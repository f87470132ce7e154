package sealbox

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewCodec(t *testing.T) {
	t.Run("NilSecret", func(t *testing.T) {
		if _, err := NewCodec(nil); err != nil {
			t.Errorf("nil secret must be accepted: %v", err)
		}
	})

	t.Run("ValidSecret", func(t *testing.T) {
		if _, err := NewCodec(make([]byte, SecretLength)); err != nil {
			t.Errorf("32-byte secret must be accepted: %v", err)
		}
	})

	t.Run("WrongLength", func(t *testing.T) {
		for _, n := range []int{1, 16, 31, 33, 64} {
			if _, err := NewCodec(make([]byte, n)); err == nil {
				t.Errorf("expected error for %d-byte secret", n)
			}
		}
	})
}

func TestEncodeKey(t *testing.T) {
	plain, err := NewCodec(nil)
	if err != nil {
		t.Fatalf("codec creation failed: %v", err)
	}
	hashed, err := NewCodec(testSecret())
	if err != nil {
		t.Fatalf("codec creation failed: %v", err)
	}

	t.Run("Deterministic", func(t *testing.T) {
		for _, c := range []*Codec{plain, hashed} {
			a := c.EncodeKey("sessions", "!room:example.org", "sess-1")
			b := c.EncodeKey("sessions", "!room:example.org", "sess-1")
			if !bytes.Equal(a, b) {
				t.Errorf("same input produced different keys: %q vs %q", a, b)
			}
		}
	})

	t.Run("PartsAreUnambiguous", func(t *testing.T) {
		// A separator inside a part must not merge with a real part boundary.
		a := plain.EncodeKey("sessions", "x|y", "z")
		b := plain.EncodeKey("sessions", "x", "y|z")
		if bytes.Equal(a, b) {
			t.Errorf("part boundaries collided: %q", a)
		}
	})

	t.Run("HashedKeysDependOnTable", func(t *testing.T) {
		a := hashed.EncodeKey("sessions", "part")
		b := hashed.EncodeKey("devices", "part")
		if bytes.Equal(a, b) {
			t.Error("hashed keys must be domain-separated by table")
		}
	})

	t.Run("PlainKeysIgnoreTable", func(t *testing.T) {
		a := plain.EncodeKey("sessions", "part")
		b := plain.EncodeKey("devices", "part")
		if !bytes.Equal(a, b) {
			t.Errorf("unhashed keys must not encode the table: %q vs %q", a, b)
		}
	})

	t.Run("HashedKeyHidesInput", func(t *testing.T) {
		key := hashed.EncodeKey("sessions", "!room:example.org")
		if bytes.Contains(key, []byte("room")) {
			t.Errorf("hashed key leaks logical key: %q", key)
		}
	})

	t.Run("SecretChangesKey", func(t *testing.T) {
		other := make([]byte, SecretLength)
		other[0] = 0xff
		otherCodec, err := NewCodec(other)
		if err != nil {
			t.Fatalf("codec creation failed: %v", err)
		}
		a := hashed.EncodeKey("sessions", "part")
		b := otherCodec.EncodeKey("sessions", "part")
		if bytes.Equal(a, b) {
			t.Error("different secrets produced the same key")
		}
	})
}

func TestValueRoundTrip(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	in := payload{Name: "megolm", Count: 42}

	t.Run("Plain", func(t *testing.T) {
		codec, err := NewCodec(nil)
		if err != nil {
			t.Fatalf("codec creation failed: %v", err)
		}
		data, err := codec.SerializeValue(in)
		if err != nil {
			t.Fatalf("serialize failed: %v", err)
		}
		if !json.Valid(data) {
			t.Error("unencrypted value must be plain JSON")
		}
		var out payload
		if err := codec.DeserializeValue(data, &out); err != nil {
			t.Fatalf("deserialize failed: %v", err)
		}
		if out != in {
			t.Errorf("round trip mismatch: %+v", out)
		}
	})

	t.Run("Encrypted", func(t *testing.T) {
		codec, err := NewCodec(testSecret())
		if err != nil {
			t.Fatalf("codec creation failed: %v", err)
		}
		data, err := codec.SerializeValue(in)
		if err != nil {
			t.Fatalf("serialize failed: %v", err)
		}
		if bytes.Contains(data, []byte("megolm")) {
			t.Error("encrypted value leaks plaintext")
		}
		var out payload
		if err := codec.DeserializeValue(data, &out); err != nil {
			t.Fatalf("deserialize failed: %v", err)
		}
		if out != in {
			t.Errorf("round trip mismatch: %+v", out)
		}
	})
}

func TestDeserializeFailures(t *testing.T) {
	plain, err := NewCodec(nil)
	if err != nil {
		t.Fatalf("codec creation failed: %v", err)
	}
	encrypted, err := NewCodec(testSecret())
	if err != nil {
		t.Fatalf("codec creation failed: %v", err)
	}

	cases := []struct {
		name  string
		codec *Codec
		data  []byte
	}{
		{"MalformedJSON", plain, []byte("{not json")},
		{"ShortCiphertext", encrypted, []byte{0x01, 0x02}},
		{"GarbageCiphertext", encrypted, bytes.Repeat([]byte{0xab}, 64)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var out map[string]interface{}
			err := tc.codec.DeserializeValue(tc.data, &out)
			if !IsDecodeFailed(err) {
				t.Errorf("expected ErrDecodeFailed, got %v", err)
			}
		})
	}

	t.Run("TamperedCiphertext", func(t *testing.T) {
		data, err := encrypted.SerializeValue(map[string]string{"k": "v"})
		if err != nil {
			t.Fatalf("serialize failed: %v", err)
		}
		data[len(data)-1] ^= 0x01
		var out map[string]string
		if err := encrypted.DeserializeValue(data, &out); !IsDecodeFailed(err) {
			t.Errorf("expected ErrDecodeFailed for tampered data, got %v", err)
		}
	})

	t.Run("WrongSecret", func(t *testing.T) {
		other := make([]byte, SecretLength)
		other[0] = 0xff
		otherCodec, err := NewCodec(other)
		if err != nil {
			t.Fatalf("codec creation failed: %v", err)
		}
		data, err := encrypted.SerializeValue(map[string]string{"k": "v"})
		if err != nil {
			t.Fatalf("serialize failed: %v", err)
		}
		var out map[string]string
		if err := otherCodec.DeserializeValue(data, &out); !IsDecodeFailed(err) {
			t.Errorf("expected ErrDecodeFailed for wrong secret, got %v", err)
		}
	})
}
