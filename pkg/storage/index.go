package storage

import "fmt"

// Index maps arbitrary keys to handle keys, for secondary lookups maintained by factory hooks.
type Index struct {
	bucket []byte
}

func NewIndex(name string) *Index {
	return &Index{bucket: []byte(name)}
}

func (i *Index) Lookup(tx *Tx, key []byte) (int64, bool, error) {
	btx, err := tx.backendTx(false)
	if err != nil {
		return 0, false, err
	}
	data, found, err := btx.Get(i.bucket, key)
	if err != nil || !found {
		return 0, false, storageErr("index lookup "+string(i.bucket), err)
	}
	value, err := DecodeKey(data)
	if err != nil {
		return 0, false, fmt.Errorf("index %s: %w", i.bucket, err)
	}
	return value, true, nil
}

func (i *Index) Put(tx *Tx, key []byte, value int64) error {
	btx, err := tx.backendTx(true)
	if err != nil {
		return err
	}
	return storageErr("index put "+string(i.bucket), btx.Put(i.bucket, key, EncodeKey(value)))
}

func (i *Index) Delete(tx *Tx, key []byte) error {
	btx, err := tx.backendTx(true)
	if err != nil {
		return err
	}
	return storageErr("index delete "+string(i.bucket), btx.Delete(i.bucket, key))
}
