package cryptctx

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/cryptmalloc/internal/fhesim"
)

// envelopePayload is the portion of the envelope that gets checksummed:
// config, descriptor, and both keys. In place of the original crate's
// bincode framing, Go's encoding/gob is the stdlib analog used here — no
// third-party binary-envelope library in the retrieved pack targets
// this narrow a need (see DESIGN.md).
type envelopePayload struct {
	Config     Config
	Descriptor uuid.UUID
	ClientKey  fhesim.ClientKey
	ServerKey  fhesim.ServerKey
}

// envelope is the serialized form: a SHA-256 checksum over the
// gob-encoded payload, followed by the payload itself.
type envelope struct {
	Checksum [32]byte
	Payload  []byte
}

// ExportKeys serializes (config, descriptor, client key, server key)
// and prepends a SHA-256 checksum over the payload encoding.
func (c *Context) ExportKeys() ([]byte, error) {
	c.mu.RLock()
	p := envelopePayload{
		Config:     c.config,
		Descriptor: c.descriptor,
		ClientKey:  c.clientKey,
		ServerKey:  c.serverKey,
	}
	c.mu.RUnlock()

	var payloadBuf bytes.Buffer
	if err := gob.NewEncoder(&payloadBuf).Encode(p); err != nil {
		return nil, serializationErr(err.Error())
	}
	payload := payloadBuf.Bytes()
	sum := sha256.Sum256(payload)

	env := envelope{Checksum: sum, Payload: payload}
	var envBuf bytes.Buffer
	if err := gob.NewEncoder(&envBuf).Encode(env); err != nil {
		return nil, serializationErr(err.Error())
	}
	return envBuf.Bytes(), nil
}

// FromSerialized reconstructs a Context from an exported envelope,
// verifying the checksum before any key material is reconstructed.
func FromSerialized(data []byte) (*Context, error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, serializationErr(err.Error())
	}

	sum := sha256.Sum256(env.Payload)
	if sum != env.Checksum {
		Logger.Warn("cryptctx: envelope checksum mismatch on import")
		return nil, ErrIntegrityViolation
	}

	var p envelopePayload
	if err := gob.NewDecoder(bytes.NewReader(env.Payload)).Decode(&p); err != nil {
		return nil, serializationErr(err.Error())
	}

	c := &Context{
		descriptor: p.Descriptor,
		config:     p.Config,
		clientKey:  p.ClientKey,
		serverKey:  p.ServerKey,
		capacity:   capacityForSecurityProfile(p.Config.SecurityLevel, p.Config.EnableCompression),
	}
	Logger.WithFields(logrus.Fields{
		"descriptor": c.descriptor,
	}).Info("cryptctx: reconstructed context from serialized envelope")
	return c, nil
}
