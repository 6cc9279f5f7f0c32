package mcpgrafana

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Tool is a tool definition bundled with its MCP handler, ready for
// registration on a server.
type Tool struct {
	Tool    mcp.Tool
	Handler server.ToolHandlerFunc
}

// Register adds the tool to the given MCP server.
func (t Tool) Register(mcp *server.MCPServer) {
	mcp.AddTool(t.Tool, t.Handler)
}

// MustTool converts a typed handler function into a Tool, panicking on
// invalid handler signatures. Handler signature errors are programmer
// errors, so panicking at startup is the right failure mode.
func MustTool(name, description string, toolHandler any, options ...mcp.ToolOption) Tool {
	tool, handler, err := ConvertTool(name, description, toolHandler, options...)
	if err != nil {
		panic(err)
	}
	return Tool{Tool: tool, Handler: handler}
}

// ConvertTool converts a function of the form
//
//	func(ctx context.Context, params T) (R, error)
//
// into an MCP tool definition and handler. T must be a struct; its JSON
// schema, reflected from struct tags, becomes the tool's input schema. R may
// be *mcp.CallToolResult, a string, or any JSON-marshalable value; strings
// are returned as text content, other values are JSON encoded. Nil pointers
// and empty strings yield a nil result, which MCP clients treat as an empty
// success.
//
// Handlers are instrumented with OpenTelemetry spans, continuing any trace
// context propagated through the request's _meta field.
func ConvertTool(name, description string, toolHandler any, options ...mcp.ToolOption) (mcp.Tool, server.ToolHandlerFunc, error) {
	zero := mcp.Tool{}
	handlerValue := reflect.ValueOf(toolHandler)
	handlerType := handlerValue.Type()
	if handlerType.Kind() != reflect.Func {
		return zero, nil, fmt.Errorf("tool handler must be a function")
	}
	if handlerType.NumIn() != 2 {
		return zero, nil, fmt.Errorf("tool handler must have 2 arguments")
	}
	if handlerType.NumOut() != 2 {
		return zero, nil, fmt.Errorf("tool handler must return 2 values")
	}
	if handlerType.In(0) != reflect.TypeOf((*context.Context)(nil)).Elem() {
		return zero, nil, fmt.Errorf("tool handler first argument must be context.Context")
	}
	if handlerType.In(1).Kind() != reflect.Struct {
		return zero, nil, fmt.Errorf("tool handler second argument must be a struct")
	}
	if !handlerType.Out(1).Implements(reflect.TypeOf((*error)(nil)).Elem()) {
		return zero, nil, fmt.Errorf("tool handler second return value must be error")
	}

	argType := handlerType.In(1)

	handler := func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx = extractTraceContext(ctx, request)

		ctx, span := otel.Tracer("mcp-grafana").Start(ctx, "mcp.tool."+name,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("mcp.tool.name", name),
				attribute.String("mcp.tool.description", description),
			),
		)
		defer span.End()

		if GrafanaConfigFromContext(ctx).IncludeArgumentsInSpans {
			if argJSON, err := json.Marshal(request.GetArguments()); err == nil {
				span.SetAttributes(attribute.String("mcp.tool.arguments", string(argJSON)))
			}
		}

		result, err := callTypedHandler(ctx, handlerValue, argType, request)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
			return nil, err
		}
		span.SetStatus(codes.Ok, "")
		return result, nil
	}

	properties, required := schemaFields(createJSONSchemaFromType(argType))
	tool := mcp.NewTool(name, options...)
	tool.Description = description
	tool.InputSchema = mcp.ToolInputSchema{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}
	return tool, handler, nil
}

// callTypedHandler unmarshals the request arguments into the handler's
// parameter struct, invokes it, and converts the result.
func callTypedHandler(ctx context.Context, handlerValue reflect.Value, argType reflect.Type, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	argJSON, err := json.Marshal(request.GetArguments())
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}
	args := reflect.New(argType)
	if err := json.Unmarshal(argJSON, args.Interface()); err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}

	out := handlerValue.Call([]reflect.Value{reflect.ValueOf(ctx), args.Elem()})
	if errVal := out[1].Interface(); errVal != nil {
		return nil, errVal.(error)
	}
	return convertResult(out[0])
}

// convertResult converts a handler return value into an MCP tool result.
func convertResult(v reflect.Value) (*mcp.CallToolResult, error) {
	if r, ok := v.Interface().(*mcp.CallToolResult); ok {
		return r, nil
	}

	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}

	if v.Kind() == reflect.String {
		s := v.String()
		if s == "" {
			return nil, nil
		}
		return mcp.NewToolResultText(s), nil
	}

	encoded, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(encoded)), nil
}

// extractTraceContext continues a distributed trace from W3C traceparent and
// tracestate values carried in the MCP request's _meta field.
func extractTraceContext(ctx context.Context, request mcp.CallToolRequest) context.Context {
	if request.Params.Meta == nil || len(request.Params.Meta.AdditionalFields) == 0 {
		return ctx
	}
	carrier := propagation.MapCarrier{}
	for _, key := range []string{"traceparent", "tracestate"} {
		if value, ok := request.Params.Meta.AdditionalFields[key].(string); ok {
			carrier[key] = value
		}
	}
	if len(carrier) == 0 {
		return ctx
	}
	return propagation.TraceContext{}.Extract(ctx, carrier)
}

// createJSONSchemaFromHandler reflects the JSON schema for the handler's
// parameter struct.
func createJSONSchemaFromHandler(handler any) *jsonschema.Schema {
	return createJSONSchemaFromType(reflect.TypeOf(handler).In(1))
}

func createJSONSchemaFromType(t reflect.Type) *jsonschema.Schema {
	return jsonSchemaReflector.ReflectFromType(t)
}

// schemaFields flattens a reflected schema into the property map and
// required list the MCP tool input schema wants.
func schemaFields(schema *jsonschema.Schema) (map[string]any, []string) {
	properties := make(map[string]any, schema.Properties.Len())
	for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
		// Round trip through JSON to turn the schema node into the plain
		// map the MCP type expects.
		encoded, err := json.Marshal(pair.Value)
		if err != nil {
			continue
		}
		var prop map[string]any
		if err := json.Unmarshal(encoded, &prop); err != nil {
			continue
		}
		properties[pair.Key] = prop
	}
	return properties, schema.Required
}

var jsonSchemaReflector = jsonschema.Reflector{
	BaseSchemaID:               "",
	Anonymous:                  true,
	AssignAnchor:               false,
	AllowAdditionalProperties:  true,
	RequiredFromJSONSchemaTags: true,
	DoNotReference:             true,
	ExpandedStruct:             true,
}
