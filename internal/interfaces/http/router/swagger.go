package router

import (
	"encoding/json"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"github.com/swaggo/swag/v2"
)

// SwaggerInstance is the swag registry name the API document is served under
const SwaggerInstance = "storefront"

// APIInfo is the info block of the OpenAPI document
type APIInfo struct {
	Title       string
	Version     string
	Description string
}

// swaggerDoc holds the document of the most recently mounted router; swag
// only accepts one registration per name.
var (
	swaggerDoc      atomic.Pointer[string]
	swaggerRegister sync.Once
)

type registeredDoc struct{}

func (registeredDoc) ReadDoc() string {
	if doc := swaggerDoc.Load(); doc != nil {
		return *doc
	}
	return "{}"
}

// MountSwagger serves an OpenAPI document of every mounted group at
// /swagger/doc.json, and the Swagger UI next to it.
func (r *Router) MountSwagger(info APIInfo) error {
	doc, err := r.OpenAPI(info)
	if err != nil {
		return err
	}
	s := string(doc)
	swaggerDoc.Store(&s)
	swaggerRegister.Do(func() { swag.Register(SwaggerInstance, registeredDoc{}) })

	r.engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler,
		ginSwagger.InstanceName(SwaggerInstance)))
	return nil
}

type openAPIDoc struct {
	OpenAPI string                                `json:"openapi"`
	Info    openAPIInfo                           `json:"info"`
	Servers []openAPIServer                       `json:"servers"`
	Tags    []openAPITag                          `json:"tags"`
	Paths   map[string]map[string]openAPIOperation `json:"paths"`
}

type openAPIInfo struct {
	Title       string `json:"title"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

type openAPIServer struct {
	URL string `json:"url"`
}

type openAPITag struct {
	Name string `json:"name"`
}

type openAPIOperation struct {
	OperationID string                     `json:"operationId"`
	Tags        []string                   `json:"tags"`
	Parameters  []openAPIParameter         `json:"parameters,omitempty"`
	Responses   map[string]openAPIResponse `json:"responses"`
}

type openAPIParameter struct {
	Name     string            `json:"name"`
	In       string            `json:"in"`
	Required bool              `json:"required"`
	Schema   map[string]string `json:"schema"`
}

type openAPIResponse struct {
	Description string `json:"description"`
}

// OpenAPI describes the registered domain groups as an OpenAPI 3 document.
// Paths are relative to BasePath; gin parameters become path parameters.
func (r *Router) OpenAPI(info APIInfo) ([]byte, error) {
	doc := openAPIDoc{
		OpenAPI: "3.0.3",
		Info:    openAPIInfo(info),
		Servers: []openAPIServer{{URL: r.BasePath()}},
		Paths:   make(map[string]map[string]openAPIOperation),
	}
	for _, registrar := range r.registrars {
		dg, ok := registrar.(*DomainGroup)
		if !ok {
			continue
		}
		doc.Tags = append(doc.Tags, openAPITag{Name: dg.Name()})
		dg.walk("", func(method, p string, handlers []gin.HandlerFunc) {
			oaPath, params := openAPIPath(p)
			if doc.Paths[oaPath] == nil {
				doc.Paths[oaPath] = make(map[string]openAPIOperation)
			}
			doc.Paths[oaPath][strings.ToLower(method)] = openAPIOperation{
				OperationID: operationID(method, p, handlers),
				Tags:        []string{dg.Name()},
				Parameters:  params,
				Responses:   map[string]openAPIResponse{"default": {Description: "dto.Response envelope"}},
			}
		})
	}
	sort.Slice(doc.Tags, func(i, j int) bool { return doc.Tags[i].Name < doc.Tags[j].Name })
	return json.Marshal(doc)
}

// walk visits every route of the group and its subgroups with its full path
// below the mount point.
func (dg *DomainGroup) walk(parent string, fn func(method, path string, handlers []gin.HandlerFunc)) {
	prefix := joinPath(parent, dg.prefix)
	for _, route := range dg.routes {
		fn(route.method, joinPath(prefix, route.path), route.handlers)
	}
	for _, subgroup := range dg.subgroups {
		subgroup.walk(prefix, fn)
	}
}

// openAPIPath turns /orders/:id into /orders/{id}
func openAPIPath(p string) (string, []openAPIParameter) {
	segments := strings.Split(p, "/")
	var params []openAPIParameter
	for i, seg := range segments {
		if len(seg) < 2 || (seg[0] != ':' && seg[0] != '*') {
			continue
		}
		name := seg[1:]
		segments[i] = "{" + name + "}"
		params = append(params, openAPIParameter{
			Name: name, In: "path", Required: true, Schema: map[string]string{"type": "string"},
		})
	}
	return strings.Join(segments, "/"), params
}

// operationID names an operation after its handler method, e.g.
// SyncHandler.Status, falling back to the method and path.
func operationID(method, p string, handlers []gin.HandlerFunc) string {
	if len(handlers) > 0 {
		if fn := runtime.FuncForPC(reflect.ValueOf(handlers[len(handlers)-1]).Pointer()); fn != nil {
			name := fn.Name()
			name = name[strings.LastIndex(name, "/")+1:]
			name = strings.TrimSuffix(name, "-fm")
			name = strings.NewReplacer("(*", "", ")", "").Replace(name)
			if i := strings.Index(name, "."); i >= 0 && strings.Count(name, ".") > 1 {
				name = name[i+1:]
			}
			if name != "" && !strings.Contains(name, "func") {
				return name
			}
		}
	}
	return strings.ToLower(method) + strings.NewReplacer("/", "_", ":", "", "*", "").Replace(p)
}
