package shopify

import "encoding/json"

// GraphQL documents sent to the Storefront API.
const (
	cartCreateMutation = `mutation cartCreate($input: CartInput!) {
  cartCreate(input: $input) {
    cart {
      id
      checkoutUrl
    }
    userErrors {
      field
      message
    }
  }
}`

	productFields = `id
    handle
    title
    variants(first: 100) {
      nodes {
        id
        title
        availableForSale
        price {
          amount
          currencyCode
        }
        selectedOptions {
          name
          value
        }
      }
    }`

	productByHandleQuery = `query productByHandle($handle: String!) {
  product(handle: $handle) {
    ` + productFields + `
  }
}`

	searchProductsQuery = `query searchProducts($query: String!, $first: Int!) {
  products(first: $first, query: $query) {
    nodes {
      ` + productFields + `
    }
  }
}`
)

// graphQLRequest is the POST body of every call.
type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// graphQLResponse is the envelope of every answer.
type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

type userError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
}

type cartCreateData struct {
	CartCreate *struct {
		Cart *struct {
			ID          string `json:"id"`
			CheckoutURL string `json:"checkoutUrl"`
		} `json:"cart"`
		UserErrors []userError `json:"userErrors"`
	} `json:"cartCreate"`
}

type moneyV2 struct {
	Amount       string `json:"amount"`
	CurrencyCode string `json:"currencyCode"`
}

type selectedOption struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type variantNode struct {
	ID               string           `json:"id"`
	Title            string           `json:"title"`
	AvailableForSale bool             `json:"availableForSale"`
	Price            moneyV2          `json:"price"`
	SelectedOptions  []selectedOption `json:"selectedOptions"`
}

type productNode struct {
	ID       string `json:"id"`
	Handle   string `json:"handle"`
	Title    string `json:"title"`
	Variants struct {
		Nodes []variantNode `json:"nodes"`
	} `json:"variants"`
}

type productByHandleData struct {
	Product *productNode `json:"product"`
}

type searchProductsData struct {
	Products struct {
		Nodes []productNode `json:"nodes"`
	} `json:"products"`
}
