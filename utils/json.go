package utils

import "encoding/json"

// DeepCopyJSON clones a decoded JSON value via a marshal/unmarshal
// round-trip. This is the deep-copy primitive the request rewriter uses
// between attempts so mutations on one attempt's body never alias another's
// (§5, §9 "Deep copy of request bodies"). A literal structural clone (walking
// map/slice/scalar nodes by hand) would avoid the serialize/parse cost, but
// none of this pack's dependency sets carries a generic deep-clone library,
// so the round-trip — already the idiom every proxy.go in the pack uses for
// map[string]interface{} bodies — is kept deliberately simple here.
func DeepCopyJSON(v map[string]interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var clone map[string]interface{}
	if err := json.Unmarshal(raw, &clone); err != nil {
		return nil, err
	}
	return clone, nil
}
