package main

// Provider blank imports. Each import activates a self-registering LLM backend.

import (
	_ "github.com/Strob0t/glossforge/internal/adapter/ollama"
	_ "github.com/Strob0t/glossforge/internal/adapter/openai"
)
