package tmpl

import (
	"strings"
	"text/template"
)

// Context is the data a conversation/session naming template renders
// against: the directory it belongs to and the agent type launching it.
type Context struct {
	DirectoryPath string
	AgentType     string
	Title         string
}

// funcMap returns the baseline template functions every render gets, before
// NameFuncs' randomName/autoIncrement are merged in.
func funcMap() template.FuncMap {
	return template.FuncMap{
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
	}
}
