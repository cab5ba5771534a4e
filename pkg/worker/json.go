package worker

import "encoding/json"

func unmarshalTxData(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
