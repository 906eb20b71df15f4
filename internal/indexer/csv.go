package indexer

import (
	"encoding/csv"
	"strings"
)

// CSV kinds drive which columns build the indexed text and payload.
const (
	KindCourse  = "course"
	KindUser    = "user"
	KindGeneric = "generic"
)

var courseTextFields = []string{
	"course_title", "topic", "learning_objectives", "keywords",
	"prerequisites", "instructor_name", "language", "difficulty",
	"target_audience", "interactivity_level", "accessibility_features",
}

var userTextFields = []string{
	"occupation", "education_level", "preferred_language",
	"preferred_learning_style", "learning_goals", "performance_trend",
	"experience_years", "country", "age", "gender",
}

var coursePayloadFields = []string{
	"course_id", "course_title", "difficulty", "topic", "language",
	"keywords", "learning_objectives", "prerequisites",
	"interactivity_level", "target_audience", "accessibility_features",
}

var userPayloadFields = []string{
	"user_id", "age", "gender", "country", "occupation",
	"experience_years", "education_level", "preferred_language",
	"preferred_learning_style", "learning_goals", "performance_trend",
	"average_feedback_score",
}

// DetectCSVKind classifies a CSV by its header set.
func DetectCSVKind(headers []string) string {
	set := make(map[string]bool, len(headers))
	for _, h := range headers {
		set[strings.ToLower(h)] = true
	}
	if set["course_id"] && set["course_title"] {
		return KindCourse
	}
	if set["user_id"] && set["preferred_language"] {
		return KindUser
	}
	return KindGeneric
}

// ParseCSV reads rows into maps keyed by header. Malformed trailing
// rows are dropped rather than failing the whole file.
func ParseCSV(data []byte) ([]map[string]string, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, nil
	}

	headers := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]string, len(headers))
		for i, h := range headers {
			if i < len(record) {
				row[h] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// RowText builds the embedded text for one row according to its kind.
func RowText(kind string, row map[string]string) string {
	var fields []string
	switch kind {
	case KindCourse:
		fields = courseTextFields
	case KindUser:
		fields = userTextFields
	default:
		var parts []string
		for k, v := range row {
			if strings.TrimSpace(v) != "" {
				parts = append(parts, k+": "+v)
			}
		}
		return strings.Join(parts, "\n")
	}

	var parts []string
	for _, key := range fields {
		val := row[key]
		if strings.TrimSpace(val) == "" {
			continue
		}
		parts = append(parts, strings.ReplaceAll(key, "_", " ")+": "+val)
	}
	return strings.Join(parts, "\n")
}

// RowPayload builds the structured payload for one row.
func RowPayload(kind string, row map[string]string) map[string]any {
	payload := map[string]any{"type": kind}
	var fields []string
	switch kind {
	case KindCourse:
		fields = coursePayloadFields
	case KindUser:
		fields = userPayloadFields
	default:
		return payload
	}
	for _, key := range fields {
		if val, ok := row[key]; ok && val != "" {
			payload[key] = val
		}
	}
	return payload
}
