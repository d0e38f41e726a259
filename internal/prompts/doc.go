// Package prompts contains the instructions sent to the completion
// service and the fixed messages sent to users.
//
// Prompt text is Go code rather than config files because it is program
// logic: agent definitions reference it directly and tests check that
// each prompt names the actions its agent may call. Prompts are written
// in Brazilian Portuguese, the language users write in.
//
// Convention: agent instructions live in agents.go, user-facing notices
// in messages.go.
package prompts
