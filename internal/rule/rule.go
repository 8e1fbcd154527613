package rule

import (
	"fmt"

	"github.com/ohler55/ojg/jp"
)

// Rule maps one value inside an MQTT payload onto a Context Broker
// attribute. Every row of the devices table that survives validation
// becomes one Rule, with its path expression compiled once.
type Rule struct {
	ObjectID      string `json:"object_id"`
	Topic         string `json:"topic"`
	JSONPath      string `json:"jsonpath"`
	EntityID      string `json:"entity_id"`
	EntityType    string `json:"entity_type"`
	AttributeName string `json:"attribute_name"`

	expr jp.Expr
}

// ValidationError reports a rule field that failed validation
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// New builds a validated rule with a compiled path expression.
func New(objectID, topic, jsonPath, entityID, entityType, attributeName string) (Rule, error) {
	r := Rule{
		ObjectID:      objectID,
		Topic:         topic,
		JSONPath:      jsonPath,
		EntityID:      entityID,
		EntityType:    entityType,
		AttributeName: attributeName,
	}

	if err := r.validate(); err != nil {
		return Rule{}, err
	}

	expr, err := jp.ParseString(jsonPath)
	if err != nil {
		return Rule{}, &ValidationError{Field: "jsonpath", Message: err.Error()}
	}
	r.expr = expr

	return r, nil
}

func (r *Rule) validate() error {
	for _, f := range []struct {
		name  string
		value string
	}{
		{"object_id", r.ObjectID},
		{"topic", r.Topic},
		{"jsonpath", r.JSONPath},
		{"entity_id", r.EntityID},
		{"entity_type", r.EntityType},
		{"attribute_name", r.AttributeName},
	} {
		if f.value == "" {
			return &ValidationError{Field: f.name, Message: "must not be empty"}
		}
	}
	return nil
}

// Evaluate applies the rule's path expression to a decoded JSON document
// and returns the first match. The second return is false when nothing in
// the document matched. The document is never mutated; the result depends
// only on the document and the expression.
func (r Rule) Evaluate(doc interface{}) (interface{}, bool) {
	if r.expr == nil {
		return nil, false
	}
	matches := r.expr.Get(doc)
	if len(matches) == 0 {
		return nil, false
	}
	return matches[0], true
}
