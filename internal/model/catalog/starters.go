package catalog

// Starter is an example prompt offered on an empty chat.
type Starter struct {
	Heading string `json:"heading"`
	Message string `json:"message"`
}

// PromptOption prefills the input with an instruction prefix.
type PromptOption struct {
	Text    string `json:"text"`
	Message string `json:"message"`
}

// Starters returns the empty-screen example prompts.
func Starters() []Starter {
	return []Starter{
		{Heading: "Explain a concept", Message: "What is the significance of the Schrödinger's cat thought experiment?"},
		{Heading: "Write some code", Message: "Write a Python script to scrape a website and save the data to a CSV file."},
		{Heading: "Brainstorm ideas", Message: "Brainstorm some creative and catchy names for a new tech startup."},
	}
}

// PromptOptions returns the advanced input prefixes.
func PromptOptions() []PromptOption {
	return []PromptOption{
		{Text: "Think longer", Message: "Think longer about the following topic: "},
		{Text: "Deep research", Message: "Do a deep research on: "},
		{Text: "Study and learn", Message: "Help me study and learn about: "},
		{Text: "Create image", Message: "Create an image of: "},
		{Text: "Web search", Message: "Search the web for: "},
	}
}
