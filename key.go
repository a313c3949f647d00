package docsession

import "fmt"

// Key addresses a document either by a flat id or by a bucket and key.
type Key struct {
	Bucket string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Key    string `json:"key" yaml:"key"`
}

// ID returns a Key for a flat document id.
func ID(id string) Key {
	return Key{Key: id}
}

// InBucket returns a structured Key.
func InBucket(bucket, key string) Key {
	return Key{Bucket: bucket, Key: key}
}

// ID flattens k to the store-level document id "<bucket>_<key>".
// A key without a bucket is used as is.
func (k Key) ID() (string, error) {
	if k.Key == "" {
		if k.Bucket != "" {
			return "", fmt.Errorf("%w: bucket %q has no key", ErrKeyFormat, k.Bucket)
		}
		return "", fmt.Errorf("%w: empty key", ErrKeyFormat)
	}
	if k.Bucket == "" {
		return k.Key, nil
	}
	return k.Bucket + "_" + k.Key, nil
}

func (k Key) String() string {
	if k.Bucket == "" {
		return k.Key
	}
	return k.Bucket + "/" + k.Key
}

func flattenKeys(keys []Key) ([]string, error) {
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		id, err := k.ID()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
