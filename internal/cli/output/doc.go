// Package output renders mailsync-cli results as tables, JSON or YAML.
//
// Values that implement Tabular control their own table layout; anything
// else is shown as a sorted FIELD/VALUE listing of its JSON form. YAML
// output uses the JSON field names so both machine formats agree.
package output
