package audit

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
)

func marshalDetails(details map[string]interface{}) (datatypes.JSON, error) {
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit details: %w", err)
	}
	return datatypes.JSON(raw), nil
}
