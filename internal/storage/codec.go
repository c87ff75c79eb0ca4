package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/i5heu/ouroboros-crypt/hash"
	"github.com/i5heu/ouroboros-vault/internal/types"
	"google.golang.org/protobuf/encoding/protowire"
)

// Records are stored as protobuf wire messages. Field numbers are part of the on-disk format
// and must never be reused.

const (
	keyFieldID        protowire.Number = 1
	keyFieldBlob      protowire.Number = 2
	keyFieldNextNonce protowire.Number = 3
	keyFieldChecksum  protowire.Number = 4
	keyFieldCreated   protowire.Number = 5
	keyFieldUpdated   protowire.Number = 6
)

const (
	profileFieldID          protowire.Number = 1
	profileFieldName        protowire.Number = 2
	profileFieldSalt        protowire.Number = 3
	profileFieldMasterKeyID protowire.Number = 4
	profileFieldKDFMemory   protowire.Number = 5
	profileFieldKDFTime     protowire.Number = 6
	profileFieldKDFThreads  protowire.Number = 7
	profileFieldCreated     protowire.Number = 8
	profileFieldUpdated     protowire.Number = 9
)

const (
	vaultFieldID      protowire.Number = 1
	vaultFieldName    protowire.Number = 2
	vaultFieldKeyID   protowire.Number = 3
	vaultFieldTag     protowire.Number = 4
	vaultFieldCreated protowire.Number = 5
	vaultFieldUpdated protowire.Number = 6
)

const (
	itemFieldID            protowire.Number = 1
	itemFieldVaultID       protowire.Number = 2
	itemFieldOverview      protowire.Number = 3
	itemFieldOverviewKeyID protowire.Number = 4
	itemFieldData          protowire.Number = 5
	itemFieldDataKeyID     protowire.Number = 6
	itemFieldCreated       protowire.Number = 7
	itemFieldUpdated       protowire.Number = 8
)

type field struct {
	num    protowire.Number
	varint uint64
	bytes  []byte
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// readFields splits a message into its fields. Unknown wire types are skipped so that older
// binaries can read rows written by newer ones.
func readFields(b []byte) ([]field, error) {
	var fields []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			f.varint = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			f.bytes = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func encodeKey(r types.KeyRecord) []byte {
	var b []byte
	b = appendVarint(b, keyFieldID, uint64(r.ID))
	b = appendBytes(b, keyFieldBlob, r.Blob)
	b = appendBytes(b, keyFieldNextNonce, r.NextNonce)
	b = appendBytes(b, keyFieldChecksum, r.Checksum[:])
	b = appendVarint(b, keyFieldCreated, uint64(r.CreatedAt))
	b = appendVarint(b, keyFieldUpdated, uint64(r.UpdatedAt))
	return b
}

func decodeKey(b []byte) (types.KeyRecord, error) {
	fields, err := readFields(b)
	if err != nil {
		return types.KeyRecord{}, fmt.Errorf("failed to decode key record: %w", err)
	}
	var r types.KeyRecord
	for _, f := range fields {
		switch f.num {
		case keyFieldID:
			r.ID = int64(f.varint)
		case keyFieldBlob:
			r.Blob = f.bytes
		case keyFieldNextNonce:
			r.NextNonce = f.bytes
		case keyFieldChecksum:
			if len(f.bytes) == len(hash.Hash{}) {
				copy(r.Checksum[:], f.bytes)
			}
		case keyFieldCreated:
			r.CreatedAt = int64(f.varint)
		case keyFieldUpdated:
			r.UpdatedAt = int64(f.varint)
		}
	}
	return r, nil
}

func encodeProfile(r types.ProfileRecord) []byte {
	var b []byte
	b = appendVarint(b, profileFieldID, uint64(r.ID))
	b = appendBytes(b, profileFieldName, []byte(r.Name))
	b = appendBytes(b, profileFieldSalt, []byte(r.Salt))
	b = appendVarint(b, profileFieldMasterKeyID, uint64(r.MasterKeyID))
	b = appendVarint(b, profileFieldKDFMemory, uint64(r.KDF.Memory))
	b = appendVarint(b, profileFieldKDFTime, uint64(r.KDF.Iterations))
	b = appendVarint(b, profileFieldKDFThreads, uint64(r.KDF.Parallelism))
	b = appendVarint(b, profileFieldCreated, uint64(r.CreatedAt))
	b = appendVarint(b, profileFieldUpdated, uint64(r.UpdatedAt))
	return b
}

func decodeProfile(b []byte) (types.ProfileRecord, error) {
	fields, err := readFields(b)
	if err != nil {
		return types.ProfileRecord{}, fmt.Errorf("failed to decode profile record: %w", err)
	}
	var r types.ProfileRecord
	for _, f := range fields {
		switch f.num {
		case profileFieldID:
			r.ID = int64(f.varint)
		case profileFieldName:
			r.Name = string(f.bytes)
		case profileFieldSalt:
			r.Salt = string(f.bytes)
		case profileFieldMasterKeyID:
			r.MasterKeyID = int64(f.varint)
		case profileFieldKDFMemory:
			r.KDF.Memory = uint32(f.varint)
		case profileFieldKDFTime:
			r.KDF.Iterations = uint32(f.varint)
		case profileFieldKDFThreads:
			r.KDF.Parallelism = uint8(f.varint)
		case profileFieldCreated:
			r.CreatedAt = int64(f.varint)
		case profileFieldUpdated:
			r.UpdatedAt = int64(f.varint)
		}
	}
	return r, nil
}

func encodeVault(r types.VaultRecord) []byte {
	var b []byte
	b = appendVarint(b, vaultFieldID, uint64(r.ID))
	b = appendBytes(b, vaultFieldName, []byte(r.Name))
	b = appendVarint(b, vaultFieldKeyID, uint64(r.KeyID))
	b = appendBytes(b, vaultFieldTag, r.Tag)
	b = appendVarint(b, vaultFieldCreated, uint64(r.CreatedAt))
	b = appendVarint(b, vaultFieldUpdated, uint64(r.UpdatedAt))
	return b
}

func decodeVault(b []byte) (types.VaultRecord, error) {
	fields, err := readFields(b)
	if err != nil {
		return types.VaultRecord{}, fmt.Errorf("failed to decode vault record: %w", err)
	}
	var r types.VaultRecord
	for _, f := range fields {
		switch f.num {
		case vaultFieldID:
			r.ID = int64(f.varint)
		case vaultFieldName:
			r.Name = string(f.bytes)
		case vaultFieldKeyID:
			r.KeyID = int64(f.varint)
		case vaultFieldTag:
			r.Tag = f.bytes
		case vaultFieldCreated:
			r.CreatedAt = int64(f.varint)
		case vaultFieldUpdated:
			r.UpdatedAt = int64(f.varint)
		}
	}
	return r, nil
}

func encodeItem(r types.ItemRecord) []byte {
	var b []byte
	b = appendVarint(b, itemFieldID, uint64(r.ID))
	b = appendVarint(b, itemFieldVaultID, uint64(r.VaultID))
	b = appendBytes(b, itemFieldOverview, r.Overview)
	b = appendVarint(b, itemFieldOverviewKeyID, uint64(r.OverviewKeyID))
	b = appendBytes(b, itemFieldData, r.Data)
	b = appendVarint(b, itemFieldDataKeyID, uint64(r.DataKeyID))
	b = appendVarint(b, itemFieldCreated, uint64(r.CreatedAt))
	b = appendVarint(b, itemFieldUpdated, uint64(r.UpdatedAt))
	return b
}

func decodeItem(b []byte) (types.ItemRecord, error) {
	fields, err := readFields(b)
	if err != nil {
		return types.ItemRecord{}, fmt.Errorf("failed to decode item record: %w", err)
	}
	var r types.ItemRecord
	for _, f := range fields {
		switch f.num {
		case itemFieldID:
			r.ID = int64(f.varint)
		case itemFieldVaultID:
			r.VaultID = int64(f.varint)
		case itemFieldOverview:
			r.Overview = f.bytes
		case itemFieldOverviewKeyID:
			r.OverviewKeyID = int64(f.varint)
		case itemFieldData:
			r.Data = f.bytes
		case itemFieldDataKeyID:
			r.DataKeyID = int64(f.varint)
		case itemFieldCreated:
			r.CreatedAt = int64(f.varint)
		case itemFieldUpdated:
			r.UpdatedAt = int64(f.varint)
		}
	}
	return r, nil
}

func encodeSequence(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeSequence(data []byte) uint64 {
	if len(data) >= 8 {
		return binary.BigEndian.Uint64(data[:8])
	}

	var buf [8]byte
	copy(buf[8-len(data):], data)
	return binary.BigEndian.Uint64(buf[:])
}
