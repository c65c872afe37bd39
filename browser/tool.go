package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/playwright-community/playwright-go"

	"github.com/MegaGrindStone/go-mcp-browser"
)

var toolList = []mcp.Tool{
	{
		Name:        "navigate_to_url",
		Description: "Navigate the browser to the given URL and wait for the page to settle.",
		InputSchema: json.RawMessage(navigateToURLSchema),
	},
	{
		Name:        "get_page_content",
		Description: "Extract the text content, links and images of the current page.",
		InputSchema: json.RawMessage(getPageContentSchema),
	},
	{
		Name:        "get_page_title",
		Description: "Get the title of the current page.",
		InputSchema: json.RawMessage(getPageTitleSchema),
	},
	{
		Name:        "click_element",
		Description: "Click an element on the page.",
		InputSchema: json.RawMessage(clickElementSchema),
	},
	{
		Name:        "fill_input",
		Description: "Fill a text value into an input field.",
		InputSchema: json.RawMessage(fillInputSchema),
	},
	{
		Name:        "wait_for_element",
		Description: "Wait for an element to appear on the page.",
		InputSchema: json.RawMessage(waitForElementSchema),
	},
	{
		Name:        "take_screenshot",
		Description: "Take a full-page screenshot and save it to a file.",
		InputSchema: json.RawMessage(takeScreenshotSchema),
	},
	{
		Name:        "execute_javascript",
		Description: "Execute JavaScript code in the page and return its result.",
		InputSchema: json.RawMessage(executeJavaScriptSchema),
	},
	{
		Name:        "get_element_text",
		Description: "Get the text content of an element.",
		InputSchema: json.RawMessage(getElementTextSchema),
	},
	{
		Name:        "get_element_attribute",
		Description: "Get an attribute value from an element.",
		InputSchema: json.RawMessage(getElementAttributeSchema),
	},
}

type navigateResult struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

type pageLink struct {
	URL  string `json:"url"`
	Text string `json:"text"`
}

type pageImage struct {
	Src string `json:"src"`
	Alt string `json:"alt"`
}

type pageContentResult struct {
	Success     bool        `json:"success"`
	Title       string      `json:"title"`
	URL         string      `json:"url"`
	Text        string      `json:"text"`
	LinksCount  int         `json:"links_count"`
	ImagesCount int         `json:"images_count"`
	Links       []pageLink  `json:"links"`
	Images      []pageImage `json:"images"`
}

type pageTitleResult struct {
	Title string `json:"title"`
}

type clickResult struct {
	Success  bool   `json:"success"`
	Selector string `json:"selector"`
	Message  string `json:"message"`
}

type fillResult struct {
	Success  bool   `json:"success"`
	Selector string `json:"selector"`
	Text     string `json:"text"`
	Message  string `json:"message"`
}

type waitResult struct {
	Success  bool    `json:"success"`
	Selector string  `json:"selector"`
	Timeout  float64 `json:"timeout"`
	Message  string  `json:"message"`
}

type screenshotResult struct {
	Success bool   `json:"success"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

type javascriptResult struct {
	Success bool   `json:"success"`
	Script  string `json:"script"`
	Result  any    `json:"result"`
	Message string `json:"message"`
}

type elementTextResult struct {
	Success  bool   `json:"success"`
	Selector string `json:"selector"`
	Text     string `json:"text"`
	Message  string `json:"message"`
}

type elementAttributeResult struct {
	Success   bool   `json:"success"`
	Selector  string `json:"selector"`
	Attribute string `json:"attribute"`
	Value     string `json:"value"`
	Message   string `json:"message"`
}

// toolFailure is the payload returned when a browser operation fails. The optional
// fields echo the operation's inputs; Success is always false.
type toolFailure struct {
	Success   bool    `json:"success"`
	Selector  string  `json:"selector,omitempty"`
	Text      string  `json:"text,omitempty"`
	Timeout   float64 `json:"timeout,omitempty"`
	Path      string  `json:"path,omitempty"`
	Script    string  `json:"script,omitempty"`
	Attribute string  `json:"attribute,omitempty"`
	Error     string  `json:"error"`
	Message   string  `json:"message"`
}

// textResult serializes payload as the single text content of a successful call.
func textResult(payload any) (mcp.CallToolResult, error) {
	bs, err := json.Marshal(payload)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to marshal tool result: %w", err)
	}
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: string(bs),
			},
		},
		IsError: false,
	}, nil
}

// failureResult serializes payload like textResult but flags the result as a tool-level
// error. The call still succeeds at the protocol layer.
func failureResult(payload toolFailure) (mcp.CallToolResult, error) {
	bs, err := json.Marshal(payload)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to marshal tool result: %w", err)
	}
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: string(bs),
			},
		},
		IsError: true,
	}, nil
}

func (s *Server) navigateToURL(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	if err := validateArgs(ctx, navigateToURLValidator, params.Arguments); err != nil {
		return mcp.CallToolResult{}, err
	}
	var args NavigateToURLArgs
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, err
	}

	if err := s.validateURL(args.URL); err != nil {
		return failureResult(toolFailure{
			Error:   err.Error(),
			Message: fmt.Sprintf("failed to navigate to %s", args.URL),
		})
	}

	sess, release, err := s.session(ctx)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to acquire browser session: %w", err)
	}
	defer release()

	s.logger.Info("navigating", slog.String("url", args.URL))

	timeout := float64(s.cfg.LoadTimeout.Milliseconds())
	waitUntil := playwright.WaitUntilState("networkidle")
	if _, err := sess.page.Goto(args.URL, playwright.PageGotoOptions{
		Timeout:   &timeout,
		WaitUntil: &waitUntil,
	}); err != nil {
		return failureResult(toolFailure{
			Error:   err.Error(),
			Message: fmt.Sprintf("failed to navigate to %s", args.URL),
		})
	}

	title, err := sess.page.Title()
	if err != nil {
		return failureResult(toolFailure{
			Error:   err.Error(),
			Message: fmt.Sprintf("failed to navigate to %s", args.URL),
		})
	}
	currentURL := sess.page.URL()

	return textResult(navigateResult{
		Success: true,
		URL:     currentURL,
		Title:   title,
		Message: fmt.Sprintf("navigated to %s", currentURL),
	})
}

func (s *Server) getPageContent(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	if err := validateArgs(ctx, getPageContentValidator, params.Arguments); err != nil {
		return mcp.CallToolResult{}, err
	}

	sess, release, err := s.session(ctx)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to acquire browser session: %w", err)
	}
	defer release()

	source, err := sess.page.Content()
	if err != nil {
		return failureResult(toolFailure{
			Error:   err.Error(),
			Message: "failed to get page content",
		})
	}

	extract, err := parsePage(source, s.cfg)
	if err != nil {
		return failureResult(toolFailure{
			Error:   err.Error(),
			Message: "failed to get page content",
		})
	}

	title, err := sess.page.Title()
	if err != nil {
		return failureResult(toolFailure{
			Error:   err.Error(),
			Message: "failed to get page content",
		})
	}

	return textResult(pageContentResult{
		Success:     true,
		Title:       title,
		URL:         sess.page.URL(),
		Text:        extract.Text,
		LinksCount:  len(extract.Links),
		ImagesCount: len(extract.Images),
		Links:       extract.Links[:min(10, len(extract.Links))],
		Images:      extract.Images[:min(10, len(extract.Images))],
	})
}

func (s *Server) getPageTitle(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	if err := validateArgs(ctx, getPageTitleValidator, params.Arguments); err != nil {
		return mcp.CallToolResult{}, err
	}

	sess, release, err := s.session(ctx)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to acquire browser session: %w", err)
	}
	defer release()

	title, err := sess.page.Title()
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to get page title: %w", err)
	}

	return textResult(pageTitleResult{Title: title})
}

func (s *Server) clickElement(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	if err := validateArgs(ctx, clickElementValidator, params.Arguments); err != nil {
		return mcp.CallToolResult{}, err
	}
	var args ClickElementArgs
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, err
	}

	sess, release, err := s.session(ctx)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to acquire browser session: %w", err)
	}
	defer release()

	timeout := float64(s.cfg.ClickTimeout.Milliseconds())
	if err := sess.page.Click(args.Selector, playwright.PageClickOptions{
		Timeout: &timeout,
	}); err != nil {
		return failureResult(toolFailure{
			Selector: args.Selector,
			Error:    err.Error(),
			Message:  fmt.Sprintf("failed to click element %s", args.Selector),
		})
	}

	return textResult(clickResult{
		Success:  true,
		Selector: args.Selector,
		Message:  fmt.Sprintf("clicked element %s", args.Selector),
	})
}

func (s *Server) fillInput(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	if err := validateArgs(ctx, fillInputValidator, params.Arguments); err != nil {
		return mcp.CallToolResult{}, err
	}
	var args FillInputArgs
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, err
	}

	sess, release, err := s.session(ctx)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to acquire browser session: %w", err)
	}
	defer release()

	if err := sess.page.Fill(args.Selector, args.Text, playwright.PageFillOptions{}); err != nil {
		return failureResult(toolFailure{
			Selector: args.Selector,
			Text:     args.Text,
			Error:    err.Error(),
			Message:  fmt.Sprintf("failed to fill input %s", args.Selector),
		})
	}

	return textResult(fillResult{
		Success:  true,
		Selector: args.Selector,
		Text:     args.Text,
		Message:  fmt.Sprintf("filled input %s", args.Selector),
	})
}

func (s *Server) waitForElement(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	if err := validateArgs(ctx, waitForElementValidator, params.Arguments); err != nil {
		return mcp.CallToolResult{}, err
	}
	var args WaitForElementArgs
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, err
	}
	if args.Timeout <= 0 {
		args.Timeout = s.cfg.WaitTimeout.Seconds()
	}

	sess, release, err := s.session(ctx)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to acquire browser session: %w", err)
	}
	defer release()

	// The argument is in seconds, the automation library wants milliseconds.
	timeout := args.Timeout * 1000
	if _, err := sess.page.WaitForSelector(args.Selector, playwright.PageWaitForSelectorOptions{
		Timeout: &timeout,
	}); err != nil {
		return failureResult(toolFailure{
			Selector: args.Selector,
			Timeout:  args.Timeout,
			Error:    err.Error(),
			Message:  fmt.Sprintf("timed out waiting for element %s", args.Selector),
		})
	}

	return textResult(waitResult{
		Success:  true,
		Selector: args.Selector,
		Timeout:  args.Timeout,
		Message:  fmt.Sprintf("element %s appeared", args.Selector),
	})
}

func (s *Server) takeScreenshot(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	if err := validateArgs(ctx, takeScreenshotValidator, params.Arguments); err != nil {
		return mcp.CallToolResult{}, err
	}
	var args TakeScreenshotArgs
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, err
	}
	if args.Path == "" {
		args.Path = "screenshot.png"
	}

	sess, release, err := s.session(ctx)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to acquire browser session: %w", err)
	}
	defer release()

	fullPage := true
	if _, err := sess.page.Screenshot(playwright.PageScreenshotOptions{
		Path:     &args.Path,
		FullPage: &fullPage,
	}); err != nil {
		return failureResult(toolFailure{
			Path:    args.Path,
			Error:   err.Error(),
			Message: fmt.Sprintf("failed to save screenshot to %s", args.Path),
		})
	}

	return textResult(screenshotResult{
		Success: true,
		Path:    args.Path,
		Message: fmt.Sprintf("screenshot saved to %s", args.Path),
	})
}

func (s *Server) executeJavaScript(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	if err := validateArgs(ctx, executeJavaScriptValidator, params.Arguments); err != nil {
		return mcp.CallToolResult{}, err
	}
	var args ExecuteJavaScriptArgs
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, err
	}

	sess, release, err := s.session(ctx)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to acquire browser session: %w", err)
	}
	defer release()

	result, err := sess.page.Evaluate(args.Script)
	if err != nil {
		return failureResult(toolFailure{
			Script:  args.Script,
			Error:   err.Error(),
			Message: "failed to execute javascript",
		})
	}

	return textResult(javascriptResult{
		Success: true,
		Script:  args.Script,
		Result:  result,
		Message: "javascript executed",
	})
}

func (s *Server) getElementText(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	if err := validateArgs(ctx, getElementTextValidator, params.Arguments); err != nil {
		return mcp.CallToolResult{}, err
	}
	var args GetElementTextArgs
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, err
	}

	sess, release, err := s.session(ctx)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to acquire browser session: %w", err)
	}
	defer release()

	element, err := sess.page.QuerySelector(args.Selector)
	if err != nil {
		return failureResult(toolFailure{
			Selector: args.Selector,
			Error:    err.Error(),
			Message:  fmt.Sprintf("failed to get text of element %s", args.Selector),
		})
	}
	if element == nil {
		return failureResult(toolFailure{
			Selector: args.Selector,
			Error:    fmt.Sprintf("no element found matching selector: %s", args.Selector),
			Message:  fmt.Sprintf("failed to get text of element %s", args.Selector),
		})
	}

	text, err := element.TextContent()
	if err != nil {
		return failureResult(toolFailure{
			Selector: args.Selector,
			Error:    err.Error(),
			Message:  fmt.Sprintf("failed to get text of element %s", args.Selector),
		})
	}

	return textResult(elementTextResult{
		Success:  true,
		Selector: args.Selector,
		Text:     text,
		Message:  fmt.Sprintf("got text of element %s", args.Selector),
	})
}

func (s *Server) getElementAttribute(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	if err := validateArgs(ctx, getElementAttributeValidator, params.Arguments); err != nil {
		return mcp.CallToolResult{}, err
	}
	var args GetElementAttributeArgs
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, err
	}

	sess, release, err := s.session(ctx)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to acquire browser session: %w", err)
	}
	defer release()

	element, err := sess.page.QuerySelector(args.Selector)
	if err != nil {
		return failureResult(toolFailure{
			Selector:  args.Selector,
			Attribute: args.Attribute,
			Error:     err.Error(),
			Message:   fmt.Sprintf("failed to get attribute %s of element %s", args.Attribute, args.Selector),
		})
	}
	if element == nil {
		return failureResult(toolFailure{
			Selector:  args.Selector,
			Attribute: args.Attribute,
			Error:     fmt.Sprintf("no element found matching selector: %s", args.Selector),
			Message:   fmt.Sprintf("failed to get attribute %s of element %s", args.Attribute, args.Selector),
		})
	}

	value, err := element.GetAttribute(args.Attribute)
	if err != nil {
		return failureResult(toolFailure{
			Selector:  args.Selector,
			Attribute: args.Attribute,
			Error:     err.Error(),
			Message:   fmt.Sprintf("failed to get attribute %s of element %s", args.Attribute, args.Selector),
		})
	}

	return textResult(elementAttributeResult{
		Success:   true,
		Selector:  args.Selector,
		Attribute: args.Attribute,
		Value:     value,
		Message:   fmt.Sprintf("got attribute %s of element %s", args.Attribute, args.Selector),
	})
}
