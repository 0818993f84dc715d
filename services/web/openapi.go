package web

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"trionyx/pkg/registry"
	"trionyx/pkg/serializers"
)

const openAPIVersion = "3.0.3"

const bearerDescription = "Obtain an access token with a POST of email and password to " +
	"/api-token-auth/ and send it as `Authorization: Bearer <token>`. Access tokens are " +
	"short lived; exchange the refresh token at /api-token-refresh/ for a new one."

// handleOpenAPI serves the schema of every exposed entity, as JSON or with
// ?format=yaml as YAML. The document is built once.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	s.openapiOnce.Do(func() {
		s.openapi, s.openapiErr = s.buildOpenAPI()
	})
	if s.openapiErr != nil {
		failJSON(w, r, s.openapiErr)
		return
	}
	if r.URL.Query().Get("format") == "yaml" {
		out, err := yaml.Marshal(s.openapi)
		if err != nil {
			failJSON(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(out)
		return
	}
	respondJSON(w, http.StatusOK, s.openapi)
}

func (s *Server) buildOpenAPI() (map[string]any, error) {
	paths := map[string]any{}
	schemas := map[string]any{}
	var tags []map[string]any
	groups := map[string][]string{}
	var apps []string

	for _, cfg := range s.deps.Site.Models.All() {
		if cfg.APIDisable {
			continue
		}
		ser, err := s.deps.Site.Serializers.Get(cfg)
		if err != nil {
			return nil, fmt.Errorf("openapi %s: %w", cfg.Alias(), err)
		}
		tag := cfg.NamePlural
		tags = append(tags, map[string]any{"name": tag, "description": cfg.APIDescription})
		if _, ok := groups[cfg.AppLabel]; !ok {
			apps = append(apps, cfg.AppLabel)
		}
		groups[cfg.AppLabel] = append(groups[cfg.AppLabel], tag)

		name := schemaName(cfg)
		schemas[name] = objectSchema(ser)
		ref := map[string]any{"$ref": "#/components/schemas/" + name}
		writable := len(ser.Writable()) > 0
		base := "/api/" + cfg.AppLabel + "/" + cfg.ModelName + "/"

		list := map[string]any{
			"get": operation(cfg, tag, "List "+strings.ToLower(cfg.NamePlural), http.MethodGet, base, listParameters(), map[string]any{
				"200": jsonResponse("Paginated list", map[string]any{
					"type": "object",
					"properties": map[string]any{
						"count":    map[string]any{"type": "integer"},
						"next":     map[string]any{"type": "string", "nullable": true},
						"previous": map[string]any{"type": "string", "nullable": true},
						"results":  map[string]any{"type": "array", "items": ref},
					},
				}),
			}),
		}
		pk := []map[string]any{{
			"name": "pk", "in": "path", "required": true,
			"schema": map[string]any{"type": "integer"},
		}}
		detailPath := base + "{pk}/"
		detail := map[string]any{
			"get": operation(cfg, tag, "Retrieve "+strings.ToLower(cfg.Name), http.MethodGet, detailPath, pk, map[string]any{
				"200": jsonResponse(cfg.Name, ref),
				"404": map[string]any{"description": "Not found"},
			}),
		}
		if writable {
			list["post"] = withBody(operation(cfg, tag, "Create "+strings.ToLower(cfg.Name), http.MethodPost, base, nil, map[string]any{
				"201": jsonResponse("Created", ref),
				"400": map[string]any{"description": "Validation failed"},
			}), ref)
			for _, m := range []string{http.MethodPut, http.MethodPatch} {
				summary := "Update " + strings.ToLower(cfg.Name)
				if m == http.MethodPatch {
					summary = "Partially update " + strings.ToLower(cfg.Name)
				}
				detail[strings.ToLower(m)] = withBody(operation(cfg, tag, summary, m, detailPath, pk, map[string]any{
					"200": jsonResponse("Updated", ref),
					"400": map[string]any{"description": "Validation failed"},
				}), ref)
			}
			detail["delete"] = operation(cfg, tag, "Delete "+strings.ToLower(cfg.Name), http.MethodDelete, detailPath, pk, map[string]any{
				"204": map[string]any{"description": "Deleted"},
			})
		}
		paths[base] = list
		paths[detailPath] = detail
	}

	sort.Strings(apps)
	tagGroups := make([]map[string]any, 0, len(apps))
	for _, app := range apps {
		tagGroups = append(tagGroups, map[string]any{"name": registry.Humanize(app), "tags": groups[app]})
	}

	return map[string]any{
		"openapi": openAPIVersion,
		"info": map[string]any{
			"title":   s.opts.AppName + " API",
			"version": "1",
		},
		"paths": paths,
		"tags":  tags,
		"components": map[string]any{
			"schemas": schemas,
			"securitySchemes": map[string]any{
				"bearerAuth": map[string]any{
					"type":         "http",
					"scheme":       "bearer",
					"bearerFormat": "JWT",
					"description":  bearerDescription,
				},
			},
		},
		"security":    []map[string]any{{"bearerAuth": []string{}}},
		"x-tagGroups": tagGroups,
	}, nil
}

func schemaName(cfg *registry.Config) string {
	return registry.Humanize(cfg.AppLabel) + strings.ReplaceAll(cfg.Name, " ", "")
}

func objectSchema(ser *serializers.Serializer) map[string]any {
	props := map[string]any{}
	var required []string
	for _, f := range ser.Fields {
		p := map[string]any{"type": apiType(f), "title": f.Label}
		if f.ManyToMany || f.Reverse {
			p["items"] = map[string]any{"type": "integer"}
		}
		switch f.Type {
		case registry.TypeDate:
			p["format"] = "date"
		case registry.TypeDateTime:
			p["format"] = "date-time"
		}
		if len(f.Choices) > 0 {
			values := make([]any, len(f.Choices))
			for i, c := range f.Choices {
				values[i] = c.Value
			}
			p["enum"] = values
		}
		if ser.ReadOnly(f.Name) {
			p["readOnly"] = true
		} else if f.Required {
			required = append(required, f.Name)
		}
		props[f.Name] = p
	}
	out := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func listParameters() []map[string]any {
	param := func(name, typ, desc string) map[string]any {
		return map[string]any{"name": name, "in": "query", "description": desc, "schema": map[string]any{"type": typ}}
	}
	return []map[string]any{
		param("_search", "string", "Full-text search term"),
		param("_ordering", "string", "Comma separated fields, prefix with - to sort descending"),
		param("_limit", "integer", "Number of results to return"),
		param("_offset", "integer", "Index of the first result"),
	}
}

func jsonResponse(desc string, schema map[string]any) map[string]any {
	return map[string]any{
		"description": desc,
		"content":     map[string]any{"application/json": map[string]any{"schema": schema}},
	}
}

func withBody(op, schema map[string]any) map[string]any {
	op["requestBody"] = map[string]any{
		"required": true,
		"content":  map[string]any{"application/json": map[string]any{"schema": schema}},
	}
	return op
}

func operation(cfg *registry.Config, tag, summary, method, path string, params []map[string]any, responses map[string]any) map[string]any {
	responses["401"] = map[string]any{"description": "Authentication required"}
	responses["403"] = map[string]any{"description": "Permission denied"}
	op := map[string]any{
		"tags":          []string{tag},
		"summary":       summary,
		"operationId":   strings.ToLower(method) + "_" + cfg.AppLabel + "_" + cfg.ModelName + suffix(path),
		"responses":     responses,
		"x-codeSamples": codeSamples(method, path),
	}
	if len(params) > 0 {
		op["parameters"] = params
	}
	return op
}

func suffix(path string) string {
	if strings.Contains(path, "{pk}") {
		return "_detail"
	}
	return ""
}

// codeSamples returns a curl and a JavaScript example of one call.
func codeSamples(method, path string) []map[string]string {
	path = strings.ReplaceAll(path, "{pk}", "1")
	body := method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch

	curl := fmt.Sprintf("curl -X %s \"$HOST%s\" \\\n  -H \"Authorization: Bearer $TOKEN\"", method, path)
	if body {
		curl += " \\\n  -H \"Content-Type: application/json\" \\\n  -d '{}'"
	}

	js := fmt.Sprintf("const response = await fetch(`${host}%s`, {\n  method: '%s',\n  headers: {\n    Authorization: `Bearer ${token}`,", path, method)
	if body {
		js += "\n    'Content-Type': 'application/json',\n  },\n  body: JSON.stringify({}),\n});"
	} else {
		js += "\n  },\n});"
	}
	if method != http.MethodDelete {
		js += "\nconst data = await response.json();"
	}
	return []map[string]string{
		{"lang": "curl", "label": "curl", "source": curl},
		{"lang": "JavaScript", "label": "JavaScript", "source": js},
	}
}
