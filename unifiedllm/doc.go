// Package unifiedllm is the model-service boundary of the agent. It presents
// a provider-agnostic request/response shape and hides the concrete backend
// (github.com/teilomillet/gollm) behind the ProviderAdapter interface.
//
// # Architecture
//
//   - Provider specification: ProviderAdapter and the shared Request, Response,
//     Message and ContentPart types
//   - Provider utilities: the error hierarchy, IsRetryable, Retry with
//     exponential backoff, token usage estimation
//   - Core client: Client with provider routing and middleware
//     (RetryMiddleware, LoggingMiddleware)
//
// # Quick Start
//
//	adapter, _ := unifiedllm.NewGollmAdapter("google-openai", os.Getenv("GEMINI_API_KEY"),
//	    unifiedllm.WithModel("gemini-2.0-flash-001"))
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("google-openai", adapter),
//	    unifiedllm.WithRetry(unifiedllm.DefaultRetryPolicy()),
//	)
//
//	resp, _ := client.Complete(ctx, unifiedllm.Request{
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//	fmt.Println(resp.Text())
//
// # GollmAdapter
//
// gollm exchanges a single prompt for a single reply. The adapter flattens
// the conversation into one prompt, advertises tools through the system
// prompt, and recovers tool calls from a JSON array in the reply. gollm does
// not report token usage, so usage is estimated with a tiktoken counter.
//
// # Errors
//
// Provider failures are mapped onto typed errors (RateLimitError,
// AuthenticationError, ServerError, ...). IsRetryable reports whether a call
// may be repeated; context cancellation never is.
package unifiedllm
