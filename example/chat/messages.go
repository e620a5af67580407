package main

// HelloMessage is exchanged once by both sides after connecting.
type HelloMessage struct {
	Message string `json:"message"`
}

// PromptMessage asks the relay for an answer.
type PromptMessage struct {
	Prompt string `json:"prompt"`
}

// ResponseMessage answers a prompt. Code holds the fenced code segments of
// the answer, Prose everything else.
type ResponseMessage struct {
	Prose string `json:"prose"`
	Code  string `json:"code"`
}
