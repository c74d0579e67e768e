// Package agentloop runs a sandboxed tool-execution agent.
//
// A Session sends the conversation to a model service, dispatches the tool
// calls it gets back against an ExecutionEnvironment, and feeds the results
// into the next request until the model answers with plain text or the call
// budget runs out.
//
// # Architecture
//
//   - PathGuard: confines every path to one working directory.
//   - ExecutionEnvironment: file listing, reading, writing and script
//     execution inside that directory.
//   - ToolRegistry: the immutable, ordered set of tools advertised to the model.
//   - Dispatcher: resolves a call by name and turns its result into an Outcome.
//   - Conversation: the append-only turn history.
//   - Session: the loop itself.
//   - EventEmitter: typed event stream for host application integration.
//
// # Quick Start
//
//	env, err := agentloop.NewLocalExecutionEnvironment("./calculator")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	registry, err := agentloop.NewCoreToolRegistry()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	session := agentloop.NewSession(client, env, registry, nil)
//	defer session.Close()
//
//	result, err := session.Submit(ctx, "Fix the bug in main.py")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(result.FinalText)
package agentloop
