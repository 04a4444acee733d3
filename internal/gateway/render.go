package gateway

import (
	"strings"

	"github.com/smsleopard/dispatch-engine/internal/model"
)

// RenderTemplate personalizes a campaign template for one contact. Empty
// fields render as <unknown> rather than leaving the placeholder in the
// outgoing message.
func RenderTemplate(template string, c model.Contact) string {
	result := template
	result = replace(result, "{first_name}", c.FirstName)
	result = replace(result, "{last_name}", c.LastName)
	result = replace(result, "{location}", c.Location)
	result = replace(result, "{preferred_product}", c.PreferredProduct)
	return result
}

func replace(template, placeholder, value string) string {
	if value == "" {
		value = "<unknown>"
	}
	return strings.ReplaceAll(template, placeholder, value)
}
