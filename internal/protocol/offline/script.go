package offline

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"github.com/chromedp/cdproto/runtime"
	"github.com/dop251/goja"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

type scriptResult struct {
	value jsontext.Value
	kind  runtime.Type
	node  *node
}

// binder exposes page nodes to a goja runtime as read-only DOM-like objects.
type binder struct {
	p     *Page
	vm    *goja.Runtime
	objs  map[*node]*goja.Object
	nodes map[*goja.Object]*node
}

// runScript calls fn with `this` bound to thisID and the given arguments. The
// page lock must be held.
func (p *Page) runScript(ec *execContext, thisID runtime.RemoteObjectID, fn string, args []any) (scriptResult, error) {
	vm := goja.New()
	b := &binder{p: p, vm: vm, objs: make(map[*node]*goja.Object), nodes: make(map[*goja.Object]*node)}
	if ec.frame.doc != nil {
		if err := vm.Set("document", b.wrap(ec.frame.doc)); err != nil {
			return scriptResult{}, err
		}
	}

	fv, err := vm.RunString("(" + fn + ")")
	if err != nil {
		return scriptResult{}, describeException(err)
	}
	call, ok := goja.AssertFunction(fv)
	if !ok {
		return scriptResult{}, errors.New("Given expression does not evaluate to a function")
	}

	this := goja.Undefined()
	if thisID != "" {
		this = b.object(thisID)
	}
	gargs := make([]goja.Value, len(args))
	for i, a := range args {
		if id, ok := a.(runtime.RemoteObjectID); ok {
			gargs[i] = b.object(id)
			continue
		}
		gargs[i] = vm.ToValue(a)
	}

	res, err := call(this, gargs...)
	if err != nil {
		return scriptResult{}, describeException(err)
	}
	return b.result(res)
}

func describeException(err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return fmt.Errorf("exception: %s", ex.Value().String())
	}
	return fmt.Errorf("exception: %w", err)
}

func (b *binder) object(id runtime.RemoteObjectID) goja.Value {
	obj, ok := b.p.objects[id]
	switch {
	case !ok:
		return goja.Undefined()
	case obj.global:
		return b.vm.GlobalObject()
	default:
		return b.wrap(obj.node)
	}
}

func (b *binder) result(v goja.Value) (scriptResult, error) {
	if v == nil || goja.IsUndefined(v) {
		return scriptResult{value: jsontext.Value("null"), kind: runtime.TypeUndefined}, nil
	}
	if obj, ok := v.(*goja.Object); ok {
		if n, isNode := b.nodes[obj]; isNode {
			return scriptResult{value: jsontext.Value("{}"), kind: runtime.TypeObject, node: n}, nil
		}
	}
	exported := plain(v.Export())
	raw, err := json.Marshal(exported)
	if err != nil {
		return scriptResult{}, fmt.Errorf("result is not serializable: %w", err)
	}
	kind := runtime.TypeObject
	switch exported.(type) {
	case string:
		kind = runtime.TypeString
	case bool:
		kind = runtime.TypeBoolean
	case int64, float64:
		kind = runtime.TypeNumber
	}
	return scriptResult{value: jsontext.Value(raw), kind: kind}, nil
}

// plain strips functions from exported values so they can be serialized.
func plain(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			if e != nil && reflect.TypeOf(e).Kind() == reflect.Func {
				continue
			}
			out[k] = plain(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = plain(e)
		}
		return out
	default:
		if v != nil && reflect.TypeOf(v).Kind() == reflect.Func {
			return nil
		}
		return v
	}
}

func (b *binder) wrap(n *node) goja.Value {
	if n == nil {
		return goja.Null()
	}
	if o, ok := b.objs[n]; ok {
		return o
	}
	o := b.vm.NewObject()
	b.objs[n] = o
	b.nodes[o] = n

	set := func(k string, v any) { _ = o.Set(k, v) }
	set("isConnected", !n.detached)

	switch n.kind {
	case kindDocument:
		set("nodeType", 9)
		set("nodeName", "#document")
		set("URL", n.frame.url)
		title := ""
		if t := htmlquery.FindOne(n.h, "//title"); t != nil {
			title = normalizeText(htmlquery.InnerText(t))
		}
		set("title", title)
	case kindShadowRoot:
		set("nodeType", 11)
		set("nodeName", "#document-fragment")
		set("mode", string(n.parent.shadowMode))
		set("host", b.wrap(n.parent))
	case kindText:
		set("nodeType", 3)
		set("nodeName", "#text")
		set("textContent", n.h.Data)
		return o
	default:
		tag := strings.ToUpper(n.h.Data)
		set("nodeType", 1)
		set("nodeName", tag)
		set("tagName", tag)
		set("localName", n.h.Data)
		set("id", getAttr(n.h, "id"))
		set("className", getAttr(n.h, "class"))
		set("innerText", normalizeText(htmlquery.InnerText(n.h)))
		set("childElementCount", countElements(n))
		set("getAttribute", func(call goja.FunctionCall) goja.Value {
			if v, ok := lookupAttr(n.h, call.Argument(0).String()); ok {
				return b.vm.ToValue(v)
			}
			return goja.Null()
		})
		set("hasAttribute", func(call goja.FunctionCall) goja.Value {
			_, ok := lookupAttr(n.h, call.Argument(0).String())
			return b.vm.ToValue(ok)
		})
		set("matches", func(call goja.FunctionCall) goja.Value {
			sel, err := cascadia.Compile(call.Argument(0).String())
			if err != nil {
				panic(b.vm.NewTypeError("'%s' is not a valid selector", call.Argument(0).String()))
			}
			return b.vm.ToValue(sel.Match(n.h))
		})
	}

	set("textContent", htmlquery.InnerText(n.h))
	set("querySelectorAll", func(call goja.FunctionCall) goja.Value {
		found, err := b.p.query(n, "css", call.Argument(0).String())
		if err != nil {
			panic(b.vm.NewTypeError("%s", err.Error()))
		}
		items := make([]any, len(found))
		for i, f := range found {
			items[i] = b.wrap(f)
		}
		return b.vm.NewArray(items...)
	})
	set("querySelector", func(call goja.FunctionCall) goja.Value {
		found, err := b.p.query(n, "css", call.Argument(0).String())
		if err != nil {
			panic(b.vm.NewTypeError("%s", err.Error()))
		}
		if len(found) == 0 {
			return goja.Null()
		}
		return b.wrap(found[0])
	})
	return o
}

func countElements(n *node) int {
	count := 0
	for _, c := range n.children {
		if c.kind == kindElement {
			count++
		}
	}
	return count
}
