package lattice

import (
	"errors"
	"fmt"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"

	"PulseNebula/internal/storage"
)

// ErrKeysMissing is returned when parameters are stored without their keys.
var ErrKeysMissing = errors.New("relay keys missing")

var (
	keyParams = []byte("lk:params")
	keySecret = []byte("lk:secret")
	keyPublic = []byte("lk:public")
)

// KeySet is the relay's key material.
type KeySet struct {
	Params bgv.Parameters
	Secret *rlwe.SecretKey
	Public *rlwe.PublicKey
}

// GenerateKeySet creates fresh keys for params.
func GenerateKeySet(params bgv.Parameters) *KeySet {
	sk, pk := rlwe.NewKeyGenerator(params).GenKeyPairNew()
	return &KeySet{Params: params, Secret: sk, Public: pk}
}

// LoadOrGenerateKeySet reads keys from db, generating and storing them
// with DefaultParameters when absent.
func LoadOrGenerateKeySet(db *storage.Storage) (*KeySet, error) {
	rawParams, err := db.Get(keyParams)
	if err != nil {
		return nil, fmt.Errorf("read params:\n%w", err)
	}

	if rawParams != nil {
		return loadKeySet(db, rawParams)
	}

	params, err := DefaultParameters()
	if err != nil {
		return nil, err
	}

	ks := GenerateKeySet(params)
	if err := ks.save(db); err != nil {
		return nil, err
	}

	return ks, nil
}

func loadKeySet(db *storage.Storage, rawParams []byte) (*KeySet, error) {
	params, err := ParseParameters(rawParams)
	if err != nil {
		return nil, err
	}

	rawSecret, err := db.Get(keySecret)
	if err != nil {
		return nil, fmt.Errorf("read secret key:\n%w", err)
	}
	rawPublic, err := db.Get(keyPublic)
	if err != nil {
		return nil, fmt.Errorf("read public key:\n%w", err)
	}
	if rawSecret == nil || rawPublic == nil {
		return nil, ErrKeysMissing
	}

	sk := new(rlwe.SecretKey)
	if err := sk.UnmarshalBinary(rawSecret); err != nil {
		return nil, fmt.Errorf("decode secret key:\n%w", err)
	}
	pk := new(rlwe.PublicKey)
	if err := pk.UnmarshalBinary(rawPublic); err != nil {
		return nil, fmt.Errorf("decode public key:\n%w", err)
	}

	return &KeySet{Params: params, Secret: sk, Public: pk}, nil
}

func (ks *KeySet) save(db *storage.Storage) error {
	params, err := ks.Params.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode params:\n%w", err)
	}
	secret, err := ks.Secret.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode secret key:\n%w", err)
	}
	public, err := ks.Public.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode public key:\n%w", err)
	}

	return db.SetBatch([]storage.KeyValue{
		{Key: keyParams, Value: params},
		{Key: keySecret, Value: secret},
		{Key: keyPublic, Value: public},
	})
}

// PublicKeyBytes returns the serialized public key.
func (ks *KeySet) PublicKeyBytes() ([]byte, error) {
	return ks.Public.MarshalBinary()
}

// ParamsBytes returns the JSON parameters clients need to encrypt.
func (ks *KeySet) ParamsBytes() ([]byte, error) {
	return ks.Params.MarshalJSON()
}
