package repl

// note: based off of csci1270-fall23
import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/chzyer/readline"
	"github.com/pkg/errors"
)

type REPL struct {
	Commands map[string]func(string, *REPLConfig) error
	Help     map[string]string
}

type REPLConfig struct {
	Writer io.Writer
}

func NewRepl() *REPL {
	r := &REPL{make(map[string]func(string, *REPLConfig) error), make(map[string]string)}
	return r
}

// Add a command, along with its help string, to the set of commands
func (r *REPL) AddCommand(trigger string, handler func(string, *REPLConfig) error, help string) {
	if trigger == "" || trigger[0] == '.' {
		return
	}
	r.Help[trigger] = help
	r.Commands[trigger] = handler
}

// Return all REPL usage information as a string
func (r *REPL) HelpString() string {
	triggers := make([]string, 0, len(r.Help))
	for k := range r.Help {
		triggers = append(triggers, k)
	}
	sort.Strings(triggers)

	var sb strings.Builder
	sb.WriteString("Commands\n")
	for _, k := range triggers {
		sb.WriteString(fmt.Sprintf("\t%s: %s\n", k, r.Help[k]))
	}
	return sb.String()
}

// Execute runs a single input line against the registered commands.
func (r *REPL) Execute(input string, config *REPLConfig) {
	input = strings.TrimSpace(input)
	if input == "" {
		return
	}
	command := strings.Fields(input)[0]
	handler, ok := r.Commands[command]
	if !ok {
		io.WriteString(config.Writer, fmt.Sprintf("Invalid command: %s\n", command))
		io.WriteString(config.Writer, r.HelpString())
		return
	}
	if err := handler(input, config); err != nil {
		io.WriteString(config.Writer, fmt.Sprintf("Error: %v\n", err))
	}
}

// Run reads commands until EOF or an interrupt.
func (r *REPL) Run() error {
	completions := make([]readline.PrefixCompleterInterface, 0, len(r.Commands))
	for k := range r.Commands {
		completions = append(completions, readline.PcItem(k))
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		AutoComplete:    readline.NewPrefixCompleter(completions...),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return errors.Wrap(err, "starting readline")
	}
	defer rl.Close()

	replConfig := &REPLConfig{Writer: rl.Stdout()}
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		r.Execute(line, replConfig)
	}
}
