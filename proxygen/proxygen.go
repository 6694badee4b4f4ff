// Package proxygen generates typed client proxies for SignalR hubs.
//
// Hubs are described as Go interfaces marked with a "signalr:hub" comment:
//
//	// signalr:hub
//	type Chat interface {
//		Send(message string)
//		Add(a, b int) (int, error)
//	}
//
// For each hub a <Name>Proxy type is generated whose methods call the server through a
// *signalr.HubConnection. Methods without results use HubConnection.Send, all other
// methods use HubConnection.Invoke and decode the result into the declared result type.
package proxygen

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"go/types"
	"io"
	"strconv"
	"strings"

	"github.com/dave/jennifer/jen"
)

const (
	hubMarker         = "signalr:hub"
	signalrImportPath = "github.com/hubwire/signalr"
)

// Hub is a hub interface found in the parsed source.
type Hub struct {
	Name    string
	Methods []Method
}

// Method is a hub method. Result is nil for methods without result value.
type Method struct {
	Name     string
	Params   []Param
	Result   ast.Expr
	HasError bool
}

// Param is a parameter of a hub method.
type Param struct {
	Name string
	Type ast.Expr
}

// Source is a parsed Go file with its hubs.
type Source struct {
	Hubs []Hub
	// imports maps import names to import paths
	imports map[string]string
}

// Parse parses the Go source in src, which may be nil to read filename, and collects all
// interfaces marked as hub. If names is not empty, exactly the interfaces with these names
// are taken as hubs.
func Parse(filename string, src interface{}, names ...string) (*Source, error) {
	fileSet := token.NewFileSet()
	file, err := parser.ParseFile(fileSet, filename, src, parser.ParseComments)
	if err != nil {
		return nil, err
	}
	v := &visitor{
		source: &Source{imports: fileImports(file)},
		names:  make(map[string]bool),
	}
	for _, name := range names {
		v.names[name] = true
	}
	ast.Walk(v, file)
	if v.err != nil {
		return nil, v.err
	}
	if len(v.source.Hubs) == 0 {
		return nil, errors.New("no hub interfaces found")
	}
	return v.source, nil
}

func fileImports(file *ast.File) map[string]string {
	imports := make(map[string]string)
	for _, spec := range file.Imports {
		importPath, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			continue
		}
		name := importPath[strings.LastIndex(importPath, "/")+1:]
		if spec.Name != nil {
			name = spec.Name.Name
		}
		imports[name] = importPath
	}
	return imports
}

type visitor struct {
	source *Source
	names  map[string]bool
	// doc of the enclosing GenDecl, used for single spec type declarations
	declDoc *ast.CommentGroup
	err     error
}

func (v *visitor) Visit(node ast.Node) ast.Visitor {
	if node == nil || v.err != nil {
		return nil
	}
	switch value := node.(type) {
	case *ast.GenDecl:
		v.declDoc = nil
		if value.Tok == token.TYPE && len(value.Specs) == 1 {
			v.declDoc = value.Doc
		}
	case *ast.TypeSpec:
		interfaceType, ok := value.Type.(*ast.InterfaceType)
		if !ok || !v.isHub(value) {
			return v
		}
		hub, err := newHub(value.Name.Name, interfaceType)
		if err != nil {
			v.err = err
			return nil
		}
		v.source.Hubs = append(v.source.Hubs, hub)
	}
	return v
}

func (v *visitor) isHub(spec *ast.TypeSpec) bool {
	if len(v.names) > 0 {
		return v.names[spec.Name.Name]
	}
	for _, doc := range []*ast.CommentGroup{spec.Doc, v.declDoc} {
		if doc == nil {
			continue
		}
		for _, comment := range doc.List {
			if strings.Contains(comment.Text, hubMarker) {
				return true
			}
		}
	}
	return false
}

func newHub(name string, interfaceType *ast.InterfaceType) (Hub, error) {
	hub := Hub{Name: name}
	for _, field := range interfaceType.Methods.List {
		funcType, ok := field.Type.(*ast.FuncType)
		if !ok || len(field.Names) == 0 {
			return hub, fmt.Errorf("hub %v: embedded interfaces are not supported", name)
		}
		method, err := newMethod(field.Names[0].Name, funcType)
		if err != nil {
			return hub, fmt.Errorf("hub %v: %w", name, err)
		}
		hub.Methods = append(hub.Methods, method)
	}
	return hub, nil
}

func newMethod(name string, funcType *ast.FuncType) (Method, error) {
	method := Method{Name: name}
	for _, field := range funcType.Params.List {
		if _, ok := field.Type.(*ast.Ellipsis); ok {
			return method, fmt.Errorf("method %v: variadic parameters are not supported", name)
		}
		if len(field.Names) == 0 {
			method.Params = append(method.Params, Param{Name: fmt.Sprintf("arg%d", len(method.Params)), Type: field.Type})
			continue
		}
		for _, ident := range field.Names {
			method.Params = append(method.Params, Param{Name: ident.Name, Type: field.Type})
		}
	}
	var results []ast.Expr
	if funcType.Results != nil {
		for _, field := range funcType.Results.List {
			count := len(field.Names)
			if count == 0 {
				count = 1
			}
			for i := 0; i < count; i++ {
				results = append(results, field.Type)
			}
		}
	}
	if len(results) > 0 && isError(results[len(results)-1]) {
		method.HasError = true
		results = results[:len(results)-1]
	}
	switch len(results) {
	case 0:
	case 1:
		method.Result = results[0]
	default:
		return method, fmt.Errorf("method %v: only one result value besides error is supported", name)
	}
	return method, nil
}

func isError(expr ast.Expr) bool {
	ident, ok := expr.(*ast.Ident)
	return ok && ident.Name == "error"
}

// Generate builds the proxies for all hubs of the source in package packageName.
func (s *Source) Generate(packageName string) *jen.File {
	f := jen.NewFile(packageName)
	f.HeaderComment("Code generated by signalr-proxygen. DO NOT EDIT.")
	for _, hub := range s.Hubs {
		s.generateHub(f, hub)
	}
	return f
}

// Render writes the generated proxies as Go source to w.
func (s *Source) Render(w io.Writer, packageName string) error {
	return s.Generate(packageName).Render(w)
}

func (s *Source) generateHub(f *jen.File, hub Hub) {
	proxy := hub.Name + "Proxy"
	f.Commentf("%v calls the methods of the %v hub.", proxy, hub.Name)
	f.Type().Id(proxy).Struct(
		jen.Id("hub").Op("*").Qual(signalrImportPath, "HubConnection"),
	)
	f.Commentf("New%v creates a %v which calls the server through hub.", proxy, proxy)
	f.Func().Id("New"+proxy).
		Params(jen.Id("hub").Op("*").Qual(signalrImportPath, "HubConnection")).
		Op("*").Id(proxy).
		Block(jen.Return(jen.Op("&").Id(proxy).Values(jen.Dict{jen.Id("hub"): jen.Id("hub")})))
	for _, method := range hub.Methods {
		s.generateMethod(f, proxy, method)
	}
}

func (s *Source) generateMethod(f *jen.File, proxy string, method Method) {
	params := []jen.Code{jen.Id("ctx").Qual("context", "Context")}
	arguments := []jen.Code{jen.Id("ctx"), jen.Lit(method.Name)}
	for _, param := range method.Params {
		params = append(params, jen.Id(param.Name).Add(s.typeCode(param.Type)))
		arguments = append(arguments, jen.Id(param.Name))
	}
	fn := f.Func().Params(jen.Id("p").Op("*").Id(proxy)).Id(method.Name).Params(params...)
	switch {
	case method.Result == nil && !method.HasError:
		// fire and forget
		fn.Error().Block(
			jen.Return(jen.Id("p").Dot("hub").Dot("Send").Call(arguments...)),
		)
	case method.Result == nil:
		fn.Error().Block(
			jen.Return(jen.Parens(jen.Op("<-").Id("p").Dot("hub").Dot("Invoke").Call(arguments...)).Dot("Error")),
		)
	default:
		fn.Params(jen.Id("result").Add(s.typeCode(method.Result)), jen.Err().Error()).Block(
			jen.Id("r").Op(":=").Op("<-").Id("p").Dot("hub").Dot("Invoke").Call(arguments...),
			jen.Err().Op("=").Id("r").Dot("Decode").Call(jen.Op("&").Id("result")),
			jen.Return(jen.Id("result"), jen.Err()),
		)
	}
}

// typeCode converts a type expression of the parsed file into generated code. Types of
// imported packages are qualified so their imports are added.
func (s *Source) typeCode(expr ast.Expr) jen.Code {
	switch t := expr.(type) {
	case *ast.Ident:
		return jen.Id(t.Name)
	case *ast.StarExpr:
		return jen.Op("*").Add(s.typeCode(t.X))
	case *ast.ArrayType:
		if t.Len == nil {
			return jen.Index().Add(s.typeCode(t.Elt))
		}
		return jen.Index(jen.Id(types.ExprString(t.Len))).Add(s.typeCode(t.Elt))
	case *ast.MapType:
		return jen.Map(s.typeCode(t.Key)).Add(s.typeCode(t.Value))
	case *ast.SelectorExpr:
		if pkg, ok := t.X.(*ast.Ident); ok {
			if importPath, ok := s.imports[pkg.Name]; ok {
				return jen.Qual(importPath, t.Sel.Name)
			}
		}
	case *ast.InterfaceType:
		if t.Methods == nil || len(t.Methods.List) == 0 {
			return jen.Interface()
		}
	}
	return jen.Id(types.ExprString(expr))
}
