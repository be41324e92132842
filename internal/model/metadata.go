package model

import "encoding/json"

// knownMetadataKeys are the typed top-level fields of ReportMetadata.
// Anything else lands in Extra so arbitrary SDK additions round-trip intact.
var knownMetadataKeys = map[string]bool{
	"consoleLogs":     true,
	"networkRequests": true,
	"browserMetadata": true,
}

// UnmarshalJSON decodes the typed fields and captures unknown keys in Extra.
func (m *ReportMetadata) UnmarshalJSON(data []byte) error {
	type plain ReportMetadata
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if knownMetadataKeys[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		if p.Extra == nil {
			p.Extra = make(map[string]any)
		}
		p.Extra[k] = val
	}

	*m = ReportMetadata(p)
	return nil
}

// MarshalJSON emits the typed fields plus any Extra keys at the top level.
func (m ReportMetadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 3+len(m.Extra))
	for k, v := range m.Extra {
		out[k] = v
	}
	// Typed fields win over Extra collisions.
	if m.ConsoleLogs != nil {
		out["consoleLogs"] = m.ConsoleLogs
	} else {
		out["consoleLogs"] = []ConsoleLog{}
	}
	if m.NetworkRequests != nil {
		out["networkRequests"] = m.NetworkRequests
	} else {
		out["networkRequests"] = []NetworkRequest{}
	}
	if m.BrowserMetadata != nil {
		out["browserMetadata"] = m.BrowserMetadata
	}
	return json.Marshal(out)
}
