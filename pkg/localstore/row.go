package localstore

import "encoding/json"

// Row is the on-disk representation of one (type,key) record.
type Row struct {
	Type              string `json:"type"`
	Key               string `json:"key"`
	Value             []byte `json:"value,omitempty"`
	Seq               int64  `json:"seq"`
	LSN               int64  `json:"lsn"`
	Modified          int64  `json:"modified"`
	ModifiedOnPrimary int64  `json:"modified_on_primary"`
	Tombstone         bool   `json:"tombstone,omitempty"`
}

func (r Row) marshal() ([]byte, error) {
	return json.Marshal(r)
}

func unmarshalRow(data []byte) (Row, error) {
	var r Row
	err := json.Unmarshal(data, &r)
	return r, err
}
