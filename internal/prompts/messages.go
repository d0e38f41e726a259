package prompts

import (
	"fmt"
	"strings"
)

// GenericError is the only failure text a user ever sees.
const GenericError = "Ocorreu um erro ao processar sua mensagem. Por favor, tente novamente."

// TranscriptionRetry asks the user to resend an audio message that could
// not be transcribed with enough confidence.
const TranscriptionRetry = "Não consegui entender o que você disse. Por favor, tente novamente."

// RateLimited is sent once when a sender exceeds the inbound rate limit.
const RateLimited = "Você enviou muitas mensagens em pouco tempo. Aguarde um instante e tente novamente."

// AgentUnavailable is sent when the router picks an agent that is not
// wired.
func AgentUnavailable(agent string) string {
	return "Agent not implemented yet: " + agent
}

// Welcome greets a sender with no account and carries the checkout link
// that starts the free trial.
func Welcome(checkoutURL string) string {
	return strings.TrimSpace(fmt.Sprintf(`
*Bem-vindo à Financi.IA!*

Eu sou a *Marill.IA*, sua assistente financeira. Já criei uma conta no nosso sistema para o seu telefone.

Para começar a usar a plataforma, você pode iniciar seu teste grátis de 30 dias pelo link: %s

Espero poder te ajudar no futuro!
`, checkoutURL))
}
