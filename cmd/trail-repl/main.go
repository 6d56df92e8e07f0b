package main

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/phroun/trail"
)

// REPL holds the state of the interactive session
type REPL struct {
	store   *trail.Store
	trail   *trail.Trail
	pyramid *trail.Pyramid
	log     *trail.EditLog
	reader  *bufio.Reader
}

func main() {
	fmt.Println("Trail REPL - Interactive Audio Track Demo")
	fmt.Println("Type 'help' for available commands, 'quit' to exit")
	fmt.Println()

	repl := &REPL{
		reader: bufio.NewReader(os.Stdin),
	}

	store, err := trail.Init(trail.OptionsFromEnv())
	if err != nil {
		fmt.Printf("Error initializing store: %v\n", err)
		os.Exit(1)
	}
	repl.store = store

	for {
		fmt.Print("trail> ")
		input, err := repl.reader.ReadString('\n')
		if err != nil {
			fmt.Println("\nGoodbye!")
			break
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if !repl.handleCommand(input) {
			break
		}
	}

	repl.closeTrail()
	if err := store.Close(); err != nil {
		fmt.Printf("Error closing store: %v\n", err)
	}
}

func (r *REPL) handleCommand(input string) bool {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return true
	}

	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help":
		r.printHelp()

	case "quit", "exit":
		fmt.Println("Goodbye!")
		return false

	case "new":
		r.cmdNew(args)

	case "close":
		r.cmdClose()

	case "status":
		r.cmdStatus()

	case "tone":
		r.cmdTone(args)

	case "silence":
		r.cmdSilence(args)

	case "remove":
		r.cmdRemove(args)

	case "clear":
		r.cmdClear(args)

	case "copy":
		r.cmdCopy(args)

	case "read":
		r.cmdRead(args)

	case "stakes":
		r.cmdStakes()

	case "pyramid":
		r.cmdPyramid()

	case "tier":
		r.cmdTier(args)

	case "tx", "transaction":
		r.cmdTransaction(args)

	case "undo":
		r.cmdUndo()

	case "redo":
		r.cmdRedo()

	case "history":
		r.cmdHistory()

	case "import":
		r.cmdImport(args)

	case "export":
		r.cmdExport(args)

	case "usage":
		r.cmdUsage()

	default:
		fmt.Printf("Unknown command: %s. Type 'help' for available commands.\n", cmd)
	}

	return true
}

func (r *REPL) printHelp() {
	help := `
Available Commands:
-------------------

TRAIL OPERATIONS:
  new <channels> <rate>          Create a new empty trail
  close                          Close the current trail
  status                         Show current trail status

EDIT OPERATIONS:
  tone <pos> <frames> <hz>       Insert a sine tone at pos
  silence <pos> <frames>         Insert silence at pos
  remove <start> <stop>          Remove frames, closing the gap
  clear <start> <stop>           Replace frames with silence
  copy <start> <stop> <pos> [insert|overwrite|mix] [blend]
                                 Copy a range within the trail

READ OPERATIONS:
  read <start> <count>           Print frames
  stakes                         List the stakes of the trail

PYRAMID:
  pyramid                        Attach a multirate pyramid
  tier <n> <start> <count>       Print subsamples of tier n

HISTORY:
  tx start <name>                Start a compound edit
  tx commit                      Commit the compound edit
  tx rollback                    Roll back the compound edit
  undo                           Undo the last edit
  redo                           Redo the last undone edit
  history                        List edit groups

FILES:
  import <file.wav> <pos>        Insert a WAV file at pos
  export <file.wav> <start> <stop> [bits]
                                 Write a range as WAV

OTHER:
  usage                          Show temp storage statistics
  help                           Show this help message
  quit, exit                     Exit the REPL
`
	fmt.Println(help)
}

func (r *REPL) cmdNew(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: new <channels> <rate>")
		return
	}
	channels, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Printf("Invalid channel count: %v\n", err)
		return
	}
	rate, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		fmt.Printf("Invalid rate: %v\n", err)
		return
	}

	r.closeTrail()
	t, err := r.store.NewTrail(trail.TrailOptions{Name: "repl", Channels: channels, Rate: rate})
	if err != nil {
		fmt.Printf("Error creating trail: %v\n", err)
		return
	}
	r.trail = t
	r.log = trail.NewEditLog()
	fmt.Printf("Created trail %s: %d channels at %.0f Hz\n", t.ID(), channels, rate)
}

func (r *REPL) cmdClose() {
	if r.trail == nil {
		fmt.Println("No trail is open")
		return
	}
	r.closeTrail()
	fmt.Println("Trail closed")
}

func (r *REPL) closeTrail() {
	if r.trail == nil {
		return
	}
	r.log.Close()
	if err := r.store.DisposeTrail(r.trail); err != nil {
		fmt.Printf("Error disposing trail: %v\n", err)
	}
	r.trail = nil
	r.pyramid = nil
	r.log = nil
}

func (r *REPL) cmdStatus() {
	if r.trail == nil {
		fmt.Println("No trail is open. Use 'new <channels> <rate>' to create one.")
		return
	}

	t := r.trail
	fmt.Println("Trail Status:")
	fmt.Printf("  ID: %s\n", t.ID())
	fmt.Printf("  Channels: %d, Rate: %.0f Hz\n", t.Channels(), t.Rate())
	fmt.Printf("  Length: %d frames (%.3f s)\n", t.Len(), float64(t.Len())/t.Rate())
	fmt.Printf("  Stakes: %d\n", len(t.Stakes()))
	fmt.Printf("  Compound depth: %d, can undo: %v, can redo: %v\n",
		r.log.Depth(), r.log.CanUndo(), r.log.CanRedo())
	if r.pyramid != nil {
		fmt.Printf("  Pyramid: %d tiers, model %v, rebuilding: %v\n",
			r.pyramid.Tiers(), r.pyramid.Model(), r.pyramid.Rebuilding())
	}
}

func (r *REPL) cmdTone(args []string) {
	if !r.ensureTrail() {
		return
	}
	if len(args) < 3 {
		fmt.Println("Usage: tone <pos> <frames> <hz>")
		return
	}
	pos, frames, ok := parseTwo(args)
	if !ok {
		return
	}
	hz, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		fmt.Printf("Invalid frequency: %v\n", err)
		return
	}

	t := r.trail
	stake, err := t.Alloc(trail.SpanLen(pos, frames))
	if err != nil {
		fmt.Printf("Alloc error: %v\n", err)
		return
	}
	buf := make([][]float32, t.Channels())
	for ch := range buf {
		buf[ch] = make([]float32, frames)
		for i := range buf[ch] {
			buf[ch][i] = float32(0.5 * math.Sin(2*math.Pi*hz*float64(i)/t.Rate()))
		}
	}
	if _, err := stake.WriteFrames(buf, 0, stake.Span()); err != nil {
		stake.Dispose()
		fmt.Printf("Write error: %v\n", err)
		return
	}
	if err := t.EditInsert(stake, r.log); err != nil {
		stake.Dispose()
		fmt.Printf("Insert error: %v\n", err)
		return
	}
	fmt.Printf("Inserted %d frames of %.1f Hz at %d. Length now %d\n", frames, hz, pos, t.Len())
}

func (r *REPL) cmdSilence(args []string) {
	if !r.ensureTrail() {
		return
	}
	if len(args) < 2 {
		fmt.Println("Usage: silence <pos> <frames>")
		return
	}
	pos, frames, ok := parseTwo(args)
	if !ok {
		return
	}
	stake := r.trail.AllocSilent(trail.SpanLen(pos, frames))
	if err := r.trail.EditInsert(stake, r.log); err != nil {
		stake.Dispose()
		fmt.Printf("Insert error: %v\n", err)
		return
	}
	fmt.Printf("Inserted %d silent frames at %d. Length now %d\n", frames, pos, r.trail.Len())
}

func (r *REPL) cmdRemove(args []string) {
	if !r.ensureTrail() {
		return
	}
	if len(args) < 2 {
		fmt.Println("Usage: remove <start> <stop>")
		return
	}
	start, stop, ok := parseTwo(args)
	if !ok {
		return
	}
	if err := r.trail.EditRemove(trail.Span(start, stop), r.log); err != nil {
		fmt.Printf("Remove error: %v\n", err)
		return
	}
	fmt.Printf("Removed [%d,%d). Length now %d\n", start, stop, r.trail.Len())
}

func (r *REPL) cmdClear(args []string) {
	if !r.ensureTrail() {
		return
	}
	if len(args) < 2 {
		fmt.Println("Usage: clear <start> <stop>")
		return
	}
	start, stop, ok := parseTwo(args)
	if !ok {
		return
	}
	if err := r.trail.EditClear(trail.Span(start, stop), r.log); err != nil {
		fmt.Printf("Clear error: %v\n", err)
		return
	}
	fmt.Printf("Cleared [%d,%d)\n", start, stop)
}

func (r *REPL) cmdCopy(args []string) {
	if !r.ensureTrail() {
		return
	}
	if len(args) < 3 {
		fmt.Println("Usage: copy <start> <stop> <pos> [insert|overwrite|mix] [blend]")
		return
	}
	start, stop, ok := parseTwo(args)
	if !ok {
		return
	}
	pos, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		fmt.Printf("Invalid position: %v\n", err)
		return
	}

	mode := trail.Insert
	if len(args) >= 4 {
		switch strings.ToLower(args[3]) {
		case "insert":
			mode = trail.Insert
		case "overwrite":
			mode = trail.Overwrite
		case "mix":
			mode = trail.Mix
		default:
			fmt.Println("Unknown mode. Use: insert, overwrite, or mix")
			return
		}
	}
	opts := r.store.CopyOptions(mode)
	opts.Sink = r.log
	if len(args) >= 5 {
		blend, err := strconv.ParseInt(args[4], 10, 64)
		if err != nil {
			fmt.Printf("Invalid blend length: %v\n", err)
			return
		}
		opts.Pre = trail.NewBlend(blend)
		opts.Post = trail.NewBlend(blend)
	}

	done, err := r.trail.CopyRange(context.Background(), r.trail, trail.Span(start, stop), pos, opts)
	if err != nil {
		fmt.Printf("Copy error: %v\n", err)
		return
	}
	fmt.Printf("Copy %v: completed=%v. Length now %d\n", mode, done, r.trail.Len())
}

func (r *REPL) cmdRead(args []string) {
	if !r.ensureTrail() {
		return
	}
	if len(args) < 2 {
		fmt.Println("Usage: read <start> <count>")
		return
	}
	start, count, ok := parseTwo(args)
	if !ok {
		return
	}
	count = min(count, 64)

	buf := make([][]float32, r.trail.Channels())
	for ch := range buf {
		buf[ch] = make([]float32, count)
	}
	if _, err := r.trail.ReadFrames(buf, 0, trail.SpanLen(start, count)); err != nil {
		fmt.Printf("Read error: %v\n", err)
		return
	}
	printFrames(start, buf, int(count))
}

func (r *REPL) cmdStakes() {
	if !r.ensureTrail() {
		return
	}
	for i, s := range r.trail.Stakes() {
		fmt.Printf("  %3d: %v\n", i, s)
	}
}

func (r *REPL) cmdPyramid() {
	if !r.ensureTrail() {
		return
	}
	p, err := r.store.AttachPyramid(r.trail)
	if err != nil {
		fmt.Printf("Pyramid error: %v\n", err)
		return
	}
	r.pyramid = p
	for i := 0; i < p.Tiers(); i++ {
		fmt.Printf("  tier %d: %v, %d channels, %d samples\n", i, p.Level(i), p.Channels(i), p.Len(i))
	}
}

func (r *REPL) cmdTier(args []string) {
	if !r.ensureTrail() {
		return
	}
	if r.pyramid == nil {
		fmt.Println("No pyramid attached. Use 'pyramid' first.")
		return
	}
	if len(args) < 3 {
		fmt.Println("Usage: tier <n> <start> <count>")
		return
	}
	tier, err := strconv.Atoi(args[0])
	if err != nil || tier < 0 || tier >= r.pyramid.Tiers() {
		fmt.Printf("Invalid tier: %s\n", args[0])
		return
	}
	start, count, ok := parseTwo(args[1:])
	if !ok {
		return
	}
	count = min(count, 64)

	if err := r.pyramid.Wait(); err != nil {
		fmt.Printf("Rebuild error: %v\n", err)
		return
	}
	buf := make([][]float32, r.pyramid.Channels(tier))
	for ch := range buf {
		buf[ch] = make([]float32, count)
	}
	if _, err := r.pyramid.Read(tier, trail.SpanLen(start, count), buf, 0); err != nil {
		fmt.Printf("Read error: %v\n", err)
		return
	}
	printFrames(start, buf, int(count))
}

func (r *REPL) cmdTransaction(args []string) {
	if !r.ensureTrail() {
		return
	}
	if len(args) < 1 {
		fmt.Println("Usage: tx start [name] | tx commit | tx rollback")
		return
	}

	switch strings.ToLower(args[0]) {
	case "start", "begin":
		name := strings.Join(args[1:], " ")
		r.log.Begin(name)
		fmt.Printf("Compound edit started (depth: %d)\n", r.log.Depth())

	case "commit":
		if err := r.log.Commit(); err != nil {
			fmt.Printf("Commit error: %v\n", err)
			return
		}
		fmt.Printf("Committed. Length now %d\n", r.trail.Len())

	case "rollback":
		if err := r.log.Rollback(); err != nil {
			fmt.Printf("Rollback error: %v\n", err)
			return
		}
		fmt.Printf("Rolled back. Length now %d\n", r.trail.Len())

	default:
		fmt.Println("Unknown tx command. Use: start, commit, or rollback")
	}
}

func (r *REPL) cmdUndo() {
	if !r.ensureTrail() {
		return
	}
	name, err := r.log.Undo()
	if err != nil {
		fmt.Printf("Undo error: %v\n", err)
		return
	}
	fmt.Printf("Undid %q. Length now %d\n", name, r.trail.Len())
}

func (r *REPL) cmdRedo() {
	if !r.ensureTrail() {
		return
	}
	name, err := r.log.Redo()
	if err != nil {
		fmt.Printf("Redo error: %v\n", err)
		return
	}
	fmt.Printf("Redid %q. Length now %d\n", name, r.trail.Len())
}

func (r *REPL) cmdHistory() {
	if !r.ensureTrail() {
		return
	}
	history := r.log.History()
	if len(history) == 0 {
		fmt.Println("  (no edits yet)")
		return
	}
	for i, name := range history {
		fmt.Printf("  %d: %s\n", i, name)
	}
}

func (r *REPL) cmdImport(args []string) {
	if !r.ensureTrail() {
		return
	}
	if len(args) < 2 {
		fmt.Println("Usage: import <file.wav> <pos>")
		return
	}
	pos, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		fmt.Printf("Invalid position: %v\n", err)
		return
	}
	f, err := os.Open(args[0])
	if err != nil {
		fmt.Printf("Open error: %v\n", err)
		return
	}
	defer f.Close()

	span, err := r.trail.ImportWAV(context.Background(), f, pos, trail.ImportOptions{Mode: trail.Insert, Sink: r.log})
	if err != nil {
		fmt.Printf("Import error: %v\n", err)
		return
	}
	fmt.Printf("Imported %v. Length now %d\n", span, r.trail.Len())
}

func (r *REPL) cmdExport(args []string) {
	if !r.ensureTrail() {
		return
	}
	if len(args) < 3 {
		fmt.Println("Usage: export <file.wav> <start> <stop> [bits]")
		return
	}
	start, stop, ok := parseTwo(args[1:])
	if !ok {
		return
	}
	bits := 16
	if len(args) >= 4 {
		b, err := strconv.Atoi(args[3])
		if err != nil {
			fmt.Printf("Invalid bit depth: %v\n", err)
			return
		}
		bits = b
	}
	f, err := os.Create(args[0])
	if err != nil {
		fmt.Printf("Create error: %v\n", err)
		return
	}
	defer f.Close()

	if err := r.trail.ExportWAV(context.Background(), f, trail.Span(start, stop), bits); err != nil {
		fmt.Printf("Export error: %v\n", err)
		return
	}
	fmt.Printf("Exported [%d,%d) to %s\n", start, stop, args[0])
}

func (r *REPL) cmdUsage() {
	u := r.store.Usage()
	fmt.Println("Storage Usage:")
	fmt.Printf("  Trails: %d, Pyramids: %d\n", u.Trails, u.Pyramids)
	fmt.Printf("  Stakes: %d, Regions: %d\n", u.Stakes, u.Regions)
	fmt.Printf("  Temp files: %d, Allocated frames: %d\n", u.TempFiles, u.AllocatedFrames)
}

func (r *REPL) ensureTrail() bool {
	if r.trail == nil {
		fmt.Println("No trail is open. Use 'new <channels> <rate>' to create one.")
		return false
	}
	return true
}

func parseTwo(args []string) (int64, int64, bool) {
	a, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Printf("Invalid number %q: %v\n", args[0], err)
		return 0, 0, false
	}
	b, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		fmt.Printf("Invalid number %q: %v\n", args[1], err)
		return 0, 0, false
	}
	return a, b, true
}

func printFrames(start int64, buf [][]float32, n int) {
	for i := 0; i < n; i++ {
		fmt.Printf("  %8d:", start+int64(i))
		for ch := range buf {
			fmt.Printf(" %+.4f", buf[ch][i])
		}
		fmt.Println()
	}
}
