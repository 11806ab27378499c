package shmcache

import (
	"fmt"

	"github.com/sugawarayuuta/sonnet"
)

// SetValue stores an arbitrary Go value under key.
//
// []byte and string values pass through as raw bytes. Anything else is
// JSON-encoded and stored with FlagSerialized so GetValue knows to
// decode it on the way out. The engine itself never interprets the
// flag.
func (c *Cache) SetValue(key string, value any) error {
	raw, flags, err := encodeValue(value)
	if err != nil {
		return err
	}

	return c.Set(key, raw, flags)
}

// AddValue is SetValue with Add semantics: ErrExists when the key is
// already present.
func (c *Cache) AddValue(key string, value any) error {
	raw, flags, err := encodeValue(value)
	if err != nil {
		return err
	}

	return c.Add(key, raw, flags)
}

// ReplaceValue is SetValue with Replace semantics: ErrNotFound when
// the key is absent.
func (c *Cache) ReplaceValue(key string, value any) error {
	raw, flags, err := encodeValue(value)
	if err != nil {
		return err
	}

	return c.Replace(key, raw, flags)
}

// GetValue loads key into out.
//
// When the stored entry carries FlagSerialized, the bytes are
// JSON-decoded into out. Otherwise out must be *[]byte or *string and
// receives the raw bytes.
func (c *Cache) GetValue(key string, out any) error {
	raw, flags, err := c.Get(key)
	if err != nil {
		return err
	}

	if flags&FlagSerialized != 0 {
		if err := sonnet.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding value for %q: %w", key, err)
		}

		return nil
	}

	switch dst := out.(type) {
	case *[]byte:
		*dst = raw

		return nil
	case *string:
		*dst = string(raw)

		return nil
	default:
		return fmt.Errorf("%w: raw value needs *[]byte or *string, got %T", ErrInvalidInput, out)
	}
}

// encodeValue maps a Go value onto the engine's (bytes, flags) pair.
func encodeValue(value any) ([]byte, byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, 0, nil
	case string:
		return []byte(v), 0, nil
	default:
		raw, err := sonnet.Marshal(value)
		if err != nil {
			return nil, 0, fmt.Errorf("encoding value: %w", err)
		}

		return raw, FlagSerialized, nil
	}
}
