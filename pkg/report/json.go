package report

import "encoding/json"

func marshalReport(r RunReport) ([]byte, error) { return json.Marshal(r) }
