package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeepCopyJSONProducesIndependentClone(t *testing.T) {
	original := map[string]interface{}{
		"contents": []interface{}{
			map[string]interface{}{"role": "user", "parts": []interface{}{map[string]interface{}{"text": "hi"}}},
		},
	}
	clone, err := DeepCopyJSON(original)
	require.NoError(t, err)

	contents := clone["contents"].([]interface{})
	part := contents[0].(map[string]interface{})["parts"].([]interface{})[0].(map[string]interface{})
	part["text"] = "mutated"

	origContents := original["contents"].([]interface{})
	origPart := origContents[0].(map[string]interface{})["parts"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "hi", origPart["text"])
}
