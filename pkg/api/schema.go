package api

import (
	_ "embed"
	"strconv"
	"strings"
	"sync"

	"github.com/jxskiss/errors"
	"github.com/xeipuuv/gojsonschema"
	"sigs.k8s.io/yaml"

	"github.com/jxskiss/gwxlate/pkg/ir"
)

//go:embed schema.json
var schemaJSON []byte

var documentSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
})

// checkSchema validates the structure of a YAML document. Field level
// rules are left to ir.NewTopology.
func checkSchema(data []byte) error {
	doc, err := yaml.YAMLToJSON(data)
	if err != nil {
		return errors.WithMessage(err, "invalid YAML")
	}
	return validateJSON(doc, "")
}

// checkServiceSchema validates one service file by checking it as the
// only service of a document.
func checkServiceSchema(data []byte, file string) error {
	svc, err := yaml.YAMLToJSON(data)
	if err != nil {
		return errors.WithMessagef(err, "%s: invalid YAML", file)
	}
	doc := make([]byte, 0, len(svc)+16)
	doc = append(doc, `{"services":[`...)
	doc = append(doc, svc...)
	doc = append(doc, "]}"...)
	return validateJSON(doc, file)
}

func validateJSON(doc []byte, file string) error {
	schema, err := documentSchema()
	if err != nil {
		return errors.WithMessage(err, "load document schema")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return errors.WithMessage(err, "validate document")
	}
	if result.Valid() {
		return nil
	}
	var errs ir.ValidationErrors
	for _, re := range result.Errors() {
		path := schemaPath(re.Field())
		if file != "" {
			path = file + strings.TrimPrefix(path, "services[0]")
		}
		errs = append(errs, &ir.ValidationError{Path: path, Message: re.Description()})
	}
	return errs
}

// schemaPath turns "services.0.routes.1" into "services[0].routes[1]".
func schemaPath(field string) string {
	if field == "(root)" {
		return ""
	}
	var b strings.Builder
	for i, part := range strings.Split(field, ".") {
		if _, err := strconv.Atoi(part); err == nil {
			b.WriteString("[" + part + "]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	return b.String()
}
