package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"storefront-cart/internal/continuity"
	"storefront-cart/internal/navigation"
)

// cartLine and cartBody mirror the server's cart JSON.
type cartLine struct {
	LineID    string `json:"line_id"`
	ProductID string `json:"product_id"`
	Title     string `json:"title"`
	Color     string `json:"color"`
	Size      string `json:"size"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	Subtotal  string `json:"subtotal"`
	VariantID string `json:"variant_id"`
}

type cartBody struct {
	SessionID  string     `json:"session_id"`
	Revision   uint64     `json:"revision"`
	Items      []cartLine `json:"items"`
	Count      int        `json:"count"`
	Subtotal   string     `json:"subtotal"`
	Continuity string     `json:"continuity"`
	Restored   bool       `json:"restored"`
}

type checkoutBody struct {
	CheckoutID  string `json:"checkout_id"`
	RedirectURL string `json:"redirect_url"`
	Corrected   bool   `json:"corrected"`
	Unresolved  []struct {
		LineID string `json:"line_id"`
		Title  string `json:"title"`
	} `json:"unresolved"`
}

func newListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show the cart",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSession(opts); err != nil {
				return err
			}
			return showCart(cmd, opts, newClient(opts), nil)
		},
	}
}

type addOptions struct {
	ProductID string
	Title     string
	Color     string
	Size      string
	Quantity  int
	Price     string
	Merge     bool
}

func newAddCommand(opts *RootOptions) *cobra.Command {
	add := &addOptions{}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a product selection to the cart",
		Long: `Add a product selection to the cart.

Without --session a new session id is generated and printed, so later
commands can act on the same cart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if add.ProductID == "" && add.Title == "" {
				return fmt.Errorf("one of --product or --title is required")
			}
			if opts.Session == "" {
				opts.Session = uuid.NewString()
				if !opts.Quiet {
					fmt.Fprintf(cmd.ErrOrStderr(), "new session %s\n", opts.Session)
				}
			}

			body := map[string]any{
				"product_id": add.ProductID,
				"title":      add.Title,
				"color":      add.Color,
				"size":       add.Size,
				"quantity":   add.Quantity,
				"unit_price": add.Price,
			}
			// Only override the server's duplicate policy when asked.
			if cmd.Flags().Changed("merge") {
				body["merge"] = add.Merge
			}

			var out struct {
				Item   cartLine `json:"item"`
				Merged bool     `json:"merged"`
				Cart   cartBody `json:"cart"`
			}
			resp, err := newClient(opts).doJSON(cmd.Context(), http.MethodPost, "/cart/items", body, nil, &out)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			switch {
			case opts.Quiet:
				fmt.Fprintln(w, opts.Session)
			case opts.JSON:
				printJSON(w, resp.Body)
			default:
				verb := "added"
				if out.Merged {
					verb = "merged into"
				}
				fmt.Fprintf(w, "%s %s (line %s, qty %d)\n", verb, describe(out.Item), out.Item.LineID, out.Item.Quantity)
				printCart(w, out.Cart)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&add.ProductID, "product", "", "product or variant identifier")
	cmd.Flags().StringVar(&add.Title, "title", "", "product title")
	cmd.Flags().StringVar(&add.Color, "color", "", "selected color")
	cmd.Flags().StringVar(&add.Size, "size", "", "selected size")
	cmd.Flags().IntVar(&add.Quantity, "qty", 1, "quantity")
	cmd.Flags().StringVar(&add.Price, "price", "", "unit price, e.g. 19.99")
	cmd.Flags().BoolVar(&add.Merge, "merge", false, "increase quantity when the item is already in the cart")

	return cmd
}

func newQtyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "qty <line-id> <quantity>",
		Short: "Set the quantity of a cart row (0 removes it)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSession(opts); err != nil {
				return err
			}
			qty, err := strconv.Atoi(args[1])
			if err != nil || qty < 0 {
				return fmt.Errorf("invalid quantity %q", args[1])
			}
			c := newClient(opts)
			path := "/cart/items/" + url.PathEscape(args[0])
			if _, err := c.do(cmd.Context(), http.MethodPatch, path, map[string]int{"quantity": qty}, nil); err != nil {
				return err
			}
			return showCart(cmd, opts, c, nil)
		},
	}
}

func newRemoveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <line-id>",
		Short: "Remove a row from the cart",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSession(opts); err != nil {
				return err
			}
			c := newClient(opts)
			if _, err := c.do(cmd.Context(), http.MethodDelete, "/cart/items/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			return showCart(cmd, opts, c, nil)
		},
	}
}

func newClearCommand(opts *RootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Empty the cart",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSession(opts); err != nil {
				return err
			}
			c := newClient(opts)
			if _, err := c.do(cmd.Context(), http.MethodPost, "/cart/clear", map[string]string{"reason": reason}, nil); err != nil {
				return err
			}
			return showCart(cmd, opts, c, nil)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "user_request", "clear reason (user_request or order_completed)")
	return cmd
}

func newCheckoutCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "checkout",
		Short: "Create a checkout and print its URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSession(opts); err != nil {
				return err
			}
			var out checkoutBody
			resp, err := newClient(opts).doJSON(cmd.Context(), http.MethodPost, "/checkout", nil, nil, &out)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			switch {
			case opts.Quiet:
				fmt.Fprintln(w, out.RedirectURL)
			case opts.JSON:
				printJSON(w, resp.Body)
			default:
				fmt.Fprintf(w, "checkout %s\n%s\n", out.CheckoutID, out.RedirectURL)
				if out.Corrected {
					fmt.Fprintln(w, "note: checkout URL host was corrected")
				}
				for _, u := range out.Unresolved {
					fmt.Fprintf(w, "left out: %s (line %s)\n", u.Title, u.LineID)
				}
			}
			return nil
		},
	}
}

func newNavCommand(opts *RootOptions) *cobra.Command {
	var referrer string

	cmd := &cobra.Command{
		Use:   "nav <popstate|visible|load>",
		Short: "Report a navigation event and show the resulting cart",
		Long: `Report a navigation event the way a storefront page does, through the
Storefront-Navigation header on a cart request. A shopper returning from
checkout gets their backed-up cart restored.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"popstate", "visible", "load"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSession(opts); err != nil {
				return err
			}
			trigger := continuity.Trigger(strings.ToLower(args[0]))
			switch trigger {
			case continuity.TriggerPopState, continuity.TriggerVisible, continuity.TriggerPageLoad:
			default:
				return fmt.Errorf("unknown event %q: want popstate, visible or load", args[0])
			}
			value, err := navigation.Format(navigation.Event{Trigger: trigger, Referrer: referrer})
			if err != nil {
				return err
			}
			header := http.Header{}
			header.Set(navigation.HeaderName, value)
			return showCart(cmd, opts, newClient(opts), header)
		},
	}

	cmd.Flags().StringVar(&referrer, "referrer", "", "referring page URL (load events)")
	return cmd
}

// showCart fetches and prints the cart. header is sent with the request.
func showCart(cmd *cobra.Command, opts *RootOptions, c *apiClient, header http.Header) error {
	var cart cartBody
	resp, err := c.doJSON(cmd.Context(), http.MethodGet, "/cart", nil, header, &cart)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if opts.JSON {
		printJSON(w, resp.Body)
		return nil
	}
	if outcome := resp.Header.Get(navigation.OutcomeHeaderName); outcome != "" {
		fmt.Fprintf(w, "continuity: %s\n", outcome)
	}
	printCart(w, cart)
	return nil
}

func printCart(w io.Writer, cart cartBody) {
	if len(cart.Items) == 0 {
		fmt.Fprintf(w, "cart %s is empty (%s)\n", cart.SessionID, cart.Continuity)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LINE\tITEM\tQTY\tPRICE\tSUBTOTAL")
	for _, li := range cart.Items {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", li.LineID, describe(li), li.Quantity, li.UnitPrice, li.Subtotal)
	}
	fmt.Fprintf(tw, "\t\t%d\t\t%s\n", cart.Count, cart.Subtotal)
	tw.Flush()
}

func describe(li cartLine) string {
	name := li.Title
	if name == "" {
		name = li.ProductID
	}
	var opts []string
	for _, o := range []string{li.Color, li.Size} {
		if o != "" {
			opts = append(opts, o)
		}
	}
	if len(opts) > 0 {
		name += " (" + strings.Join(opts, " / ") + ")"
	}
	return name
}

func printJSON(w io.Writer, data []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		w.Write(data)
		return
	}
	buf.WriteByte('\n')
	w.Write(buf.Bytes())
}

func requireSession(opts *RootOptions) error {
	if opts.Session == "" {
		return fmt.Errorf("--session is required (or set CARTCTL_SESSION)")
	}
	return nil
}
