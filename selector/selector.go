// Package selector implements interactive account selection, paging through
// the addresses a device derives for consecutive account indices.
package selector

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/mdehoog/usbledger/hdpath"
	"github.com/olekukonko/tablewriter"
)

// DefaultPageSize is the number of accounts shown per page.
const DefaultPageSize = 5

const (
	nextToken     = "n"
	previousToken = "p"
)

// ErrInvalidChoice is returned for a page index outside the current window.
var ErrInvalidChoice = errors.New("invalid choice")

// AddressSource derives the address of an account path, usually a device.
type AddressSource interface {
	GetAddress(path hdpath.AccountPath) (string, error)
}

// Prompter reads one line of user input.
type Prompter interface {
	Prompt(prompt string) (string, error)
}

// Choice is the account picked by the user.
type Choice struct {
	Address common.Address
	Path    hdpath.AccountPath
}

// Selector maintains a window [offset, offset+pageSize) over account indices.
type Selector struct {
	source   AddressSource
	base     hdpath.BasePath
	pageSize uint32
	offset   uint32
	prompter Prompter
	out      io.Writer
	log      log.Logger
}

// Option configures a Selector.
type Option func(*Selector)

// WithPageSize sets the number of accounts per page.
func WithPageSize(size uint32) Option {
	return func(s *Selector) {
		if size > 0 {
			s.pageSize = size
		}
	}
}

// WithOffset sets the first account index of the initial page.
func WithOffset(offset uint32) Option {
	return func(s *Selector) {
		s.offset = offset
	}
}

// WithPrompter sets the input source of Run.
func WithPrompter(p Prompter) Option {
	return func(s *Selector) {
		s.prompter = p
	}
}

// WithOutput sets where Run renders pages.
func WithOutput(w io.Writer) Option {
	return func(s *Selector) {
		s.out = w
	}
}

// New creates a selector deriving base path accounts from source.
func New(source AddressSource, base hdpath.BasePath, opts ...Option) *Selector {
	s := &Selector{
		source:   source,
		base:     base,
		pageSize: DefaultPageSize,
		out:      os.Stdout,
		log:      log.New("component", "selector"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.prompter == nil {
		s.prompter = NewReaderPrompter(os.Stdin, s.out)
	}
	return s
}

// Offset returns the account index of the first entry of the current page.
func (s *Selector) Offset() uint32 {
	return s.offset
}

// PageSize returns the number of accounts per page.
func (s *Selector) PageSize() uint32 {
	return s.pageSize
}

// LoadPage derives every address of the current window, one device request
// per account.
func (s *Selector) LoadPage() ([]common.Address, error) {
	addresses := make([]common.Address, 0, s.pageSize)
	for i := uint32(0); i < s.pageSize; i++ {
		path, err := s.base.WithIndex(s.offset + i)
		if err != nil {
			return nil, err
		}
		address, err := s.derive(path)
		if err != nil {
			return nil, err
		}
		addresses = append(addresses, address)
	}
	s.log.Trace("Loaded account page", "offset", s.offset, "size", s.pageSize)
	return addresses, nil
}

// maxIndex is the largest index a non-hardened path segment can carry.
const maxIndex = 0x7fffffff

// Next moves the window one page forward. It reports false and leaves the
// window untouched when the next page would run past maxIndex.
func (s *Selector) Next() bool {
	if uint64(s.offset)+2*uint64(s.pageSize)-1 > maxIndex {
		return false
	}
	s.offset += s.pageSize
	return true
}

// CanGoBack reports whether the window has moved past the first page.
func (s *Selector) CanGoBack() bool {
	return uint64(s.offset)+uint64(s.pageSize) > uint64(s.pageSize)
}

// Previous moves the window one page back. It reports false and leaves the
// window untouched when already on the first page.
func (s *Selector) Previous() bool {
	if !s.CanGoBack() {
		return false
	}
	if s.offset < s.pageSize {
		s.offset = 0
	} else {
		s.offset -= s.pageSize
	}
	return true
}

// Select resolves the page-local index against the current window.
func (s *Selector) Select(pageIndex int) (Choice, error) {
	path, _, err := s.choose(pageIndex)
	if err != nil {
		return Choice{}, err
	}
	address, err := s.derive(path)
	if err != nil {
		return Choice{}, err
	}
	return Choice{Address: address, Path: path}, nil
}

// derive fetches the ASCII hex address of path and validates it.
func (s *Selector) derive(path hdpath.AccountPath) (common.Address, error) {
	raw, err := s.source.GetAddress(path)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to derive %s: %w", path, err)
	}
	if !strings.HasPrefix(raw, "0x") {
		raw = "0x" + raw
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("device returned invalid address %q for %s", raw, path)
	}
	return common.HexToAddress(raw), nil
}

func (s *Selector) choose(pageIndex int) (hdpath.AccountPath, uint32, error) {
	if pageIndex < 0 || pageIndex >= int(s.pageSize) {
		return hdpath.AccountPath{}, 0, ErrInvalidChoice
	}
	index := s.offset + uint32(pageIndex)
	path, err := s.base.WithIndex(index)
	if err != nil {
		return hdpath.AccountPath{}, 0, err
	}
	return path, index, nil
}

// Run shows pages until the user picks an account. Input is a page index,
// "n" for the next page or "p" for the previous one.
func (s *Selector) Run() (Choice, error) {
	for {
		addresses, err := s.LoadPage()
		if err != nil {
			return Choice{}, err
		}
		s.render(addresses)

		for reload := false; !reload; {
			input, err := s.prompter.Prompt(s.promptText())
			if err != nil {
				return Choice{}, err
			}
			input = strings.TrimSpace(strings.ToLower(input))

			switch {
			case input == nextToken:
				if !s.Next() {
					fmt.Fprintln(s.out, "No further accounts")
					continue
				}
				reload = true
			case input == previousToken && s.CanGoBack():
				s.Previous()
				reload = true
			default:
				pageIndex, err := strconv.Atoi(input)
				if err != nil || pageIndex < 0 || pageIndex >= len(addresses) {
					fmt.Fprintln(s.out, "Invalid choice")
					continue
				}
				path, index, err := s.choose(pageIndex)
				if err != nil {
					return Choice{}, err
				}
				s.log.Debug("Account selected", "index", index, "path", path)
				return Choice{Address: addresses[pageIndex], Path: path}, nil
			}
		}
	}
}

func (s *Selector) promptText() string {
	if s.CanGoBack() {
		return fmt.Sprintf("Select an account [0-%d], (n)ext or (p)revious page: ", s.pageSize-1)
	}
	return fmt.Sprintf("Select an account [0-%d] or (n)ext page: ", s.pageSize-1)
}

func (s *Selector) render(addresses []common.Address) {
	table := tablewriter.NewWriter(s.out)
	table.SetHeader([]string{"#", "Index", "Address"})
	for i, address := range addresses {
		table.Append([]string{
			strconv.Itoa(i),
			strconv.FormatUint(uint64(s.offset)+uint64(i), 10),
			address.Hex(),
		})
	}
	table.Render()
}
