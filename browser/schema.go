package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/qri-io/jsonschema"
)

// NavigateToURLArgs is an argument struct for the navigate_to_url tool.
type NavigateToURLArgs struct {
	URL string `json:"url"`
}

// ClickElementArgs is an argument struct for the click_element tool.
type ClickElementArgs struct {
	Selector string `json:"selector"`
}

// FillInputArgs is an argument struct for the fill_input tool.
type FillInputArgs struct {
	Selector string `json:"selector"`
	Text     string `json:"text"`
}

// WaitForElementArgs is an argument struct for the wait_for_element tool.
type WaitForElementArgs struct {
	Selector string  `json:"selector"`
	Timeout  float64 `json:"timeout"`
}

// TakeScreenshotArgs is an argument struct for the take_screenshot tool.
type TakeScreenshotArgs struct {
	Path string `json:"path"`
}

// ExecuteJavaScriptArgs is an argument struct for the execute_javascript tool.
type ExecuteJavaScriptArgs struct {
	Script string `json:"script"`
}

// GetElementTextArgs is an argument struct for the get_element_text tool.
type GetElementTextArgs struct {
	Selector string `json:"selector"`
}

// GetElementAttributeArgs is an argument struct for the get_element_attribute tool.
type GetElementAttributeArgs struct {
	Selector  string `json:"selector"`
	Attribute string `json:"attribute"`
}

const navigateToURLSchema = `{
  "type": "object",
  "properties": {
    "url": {
      "type": "string",
      "description": "The URL to navigate to"
    }
  },
  "required": ["url"]
}`

const getPageContentSchema = `{
  "type": "object",
  "properties": {},
  "required": []
}`

const getPageTitleSchema = `{
  "type": "object",
  "properties": {},
  "required": []
}`

const clickElementSchema = `{
  "type": "object",
  "properties": {
    "selector": {
      "type": "string",
      "description": "Element selector (CSS selector or XPath)"
    }
  },
  "required": ["selector"]
}`

const fillInputSchema = `{
  "type": "object",
  "properties": {
    "selector": {
      "type": "string",
      "description": "Selector of the input field"
    },
    "text": {
      "type": "string",
      "description": "Text to fill in"
    }
  },
  "required": ["selector", "text"]
}`

const waitForElementSchema = `{
  "type": "object",
  "properties": {
    "selector": {
      "type": "string",
      "description": "Element selector"
    },
    "timeout": {
      "type": "number",
      "description": "Timeout in seconds, defaults to 30",
      "default": 30
    }
  },
  "required": ["selector"]
}`

const takeScreenshotSchema = `{
  "type": "object",
  "properties": {
    "path": {
      "type": "string",
      "description": "Path to save the screenshot to, defaults to screenshot.png",
      "default": "screenshot.png"
    }
  },
  "required": []
}`

const executeJavaScriptSchema = `{
  "type": "object",
  "properties": {
    "script": {
      "type": "string",
      "description": "JavaScript code to execute"
    }
  },
  "required": ["script"]
}`

const getElementTextSchema = `{
  "type": "object",
  "properties": {
    "selector": {
      "type": "string",
      "description": "Element selector (CSS selector or XPath)"
    }
  },
  "required": ["selector"]
}`

const getElementAttributeSchema = `{
  "type": "object",
  "properties": {
    "selector": {
      "type": "string",
      "description": "Element selector (CSS selector or XPath)"
    },
    "attribute": {
      "type": "string",
      "description": "Name of the attribute to read"
    }
  },
  "required": ["selector", "attribute"]
}`

var (
	navigateToURLValidator       = jsonschema.Must(navigateToURLSchema)
	getPageContentValidator      = jsonschema.Must(getPageContentSchema)
	getPageTitleValidator        = jsonschema.Must(getPageTitleSchema)
	clickElementValidator        = jsonschema.Must(clickElementSchema)
	fillInputValidator           = jsonschema.Must(fillInputSchema)
	waitForElementValidator      = jsonschema.Must(waitForElementSchema)
	takeScreenshotValidator      = jsonschema.Must(takeScreenshotSchema)
	executeJavaScriptValidator   = jsonschema.Must(executeJavaScriptSchema)
	getElementTextValidator      = jsonschema.Must(getElementTextSchema)
	getElementAttributeValidator = jsonschema.Must(getElementAttributeSchema)
)

// validateArgs checks raw tool arguments against their registered schema. A nil or empty
// argument payload is validated as an empty object.
func validateArgs(ctx context.Context, schema *jsonschema.Schema, raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	keyErrs, err := schema.ValidateBytes(ctx, raw)
	if err != nil {
		return fmt.Errorf("failed to validate params: %w", err)
	}
	if len(keyErrs) > 0 {
		errStr := make([]string, 0, len(keyErrs))
		for _, keyErr := range keyErrs {
			errStr = append(errStr, keyErr.Message)
		}
		return fmt.Errorf("params validation failed: %s", strings.Join(errStr, ", "))
	}
	return nil
}
