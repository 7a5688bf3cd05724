package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/oswin26/Invoice-AI/internal/vision"
)

// multipartUpload builds a multipart body with one file part and optional
// extra fields.
func multipartUpload(filename string, data []byte, contentType string, fields map[string]string) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := writer.CreatePart(header)
	Expect(err).NotTo(HaveOccurred())
	_, err = part.Write(data)
	Expect(err).NotTo(HaveOccurred())

	for key, value := range fields {
		Expect(writer.WriteField(key, value)).To(Succeed())
	}
	Expect(writer.Close()).To(Succeed())
	return body, writer.FormDataContentType()
}

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		model       *mockModel
		storage     *mockStorage
		service     *Service
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		server = NewServerWithMux(service, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.ServeHTTP)
	}

	BeforeEach(func() {
		db = newMockDB()
		model = &mockModel{responses: []string{modelResponseA}}
		storage = newMockStorage()
		service = newTestService(db, model, storage)
		auth = BasicAuth{}
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	Describe("handleInfo", func() {
		It("reports the service and schema version", func() {
			resp, err := http.Get(ghttpServer.URL() + "/")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var info map[string]string
			Expect(json.NewDecoder(resp.Body).Decode(&info)).To(Succeed())
			Expect(info["service"]).To(Equal("invoice-ai"))
			Expect(info["schema"]).To(Equal(vision.SchemaVersion))
		})
	})

	Describe("handleUploadInvoice", func() {
		It("extracts and stores an uploaded document", func() {
			body, contentType := multipartUpload("invoice.png", testPNG(), "image/png", nil)
			resp, err := http.Post(ghttpServer.URL()+"/api/invoices", contentType, body)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var stored StoredInvoice
			Expect(json.NewDecoder(resp.Body).Decode(&stored)).To(Succeed())
			Expect(stored.Record.VendorName).To(Equal("Acme Corp"))
			Expect(db.invoices).To(HaveKey(stored.ID))
		})

		It("resolves the content type from the extension when absent", func() {
			body, contentType := multipartUpload("invoice.png", testPNG(), "", nil)
			resp, err := http.Post(ghttpServer.URL()+"/api/invoices", contentType, body)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		})

		It("rejects unsupported media types with 415", func() {
			body, contentType := multipartUpload("notes.txt", []byte("plain text"), "text/plain", nil)
			resp, err := http.Post(ghttpServer.URL()+"/api/invoices", contentType, body)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnsupportedMediaType))
		})

		It("rejects requests without a file", func() {
			resp, err := http.Post(ghttpServer.URL()+"/api/invoices", "multipart/form-data; boundary=x", bytes.NewBufferString("--x--"))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		When("the model is unavailable", func() {
			BeforeEach(func() {
				model.invokeErr = fmt.Errorf("down: %w", vision.ErrModelUnavailable)
				setupServer()
			})

			It("returns 503", func() {
				body, contentType := multipartUpload("invoice.png", testPNG(), "image/png", nil)
				resp, err := http.Post(ghttpServer.URL()+"/api/invoices", contentType, body)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
			})
		})

		When("the model response does not fit the schema", func() {
			BeforeEach(func() {
				model.responses = []string{"not json"}
				setupServer()
			})

			It("returns 422", func() {
				body, contentType := multipartUpload("invoice.png", testPNG(), "image/png", nil)
				resp, err := http.Post(ghttpServer.URL()+"/api/invoices", contentType, body)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			})
		})
	})

	Describe("handleListInvoices", func() {
		When("invoices exist", func() {
			BeforeEach(func() {
				db.invoices["id1"] = &StoredInvoice{ID: "id1"}
				db.invoices["id2"] = &StoredInvoice{ID: "id2"}
			})

			It("returns all invoices as JSON", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/invoices")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

				var invoices []*StoredInvoice
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(json.Unmarshal(body, &invoices)).NotTo(HaveOccurred())
				Expect(invoices).To(HaveLen(2))
			})
		})

		When("no invoices exist", func() {
			It("returns an empty list", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/invoices")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(body)).To(ContainSubstring("[]"))
			})
		})
	})

	Describe("handleGetInvoice", func() {
		BeforeEach(func() {
			db.invoices["id1"] = &StoredInvoice{ID: "id1"}
		})

		It("returns the invoice", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/invoices/id1")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("returns 404 for an unknown ID", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/invoices/nope")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("handleCompare", func() {
		BeforeEach(func() {
			model.responses = []string{modelResponseA, modelResponseB}
			_, err := service.ProcessInvoice(context.Background(), "a.png", testPNG(), "image/png")
			Expect(err).NotTo(HaveOccurred())
			_, err = service.ProcessInvoice(context.Background(), "b.png", testPNG(), "image/png")
			Expect(err).NotTo(HaveOccurred())
		})

		It("returns a discrepancy report for stored invoices", func() {
			payload, _ := json.Marshal(map[string][]string{"invoice_ids": {"id-1", "id-2"}})
			resp, err := http.Post(ghttpServer.URL()+"/api/compare", "application/json", bytes.NewBuffer(payload))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var report map[string]any
			Expect(json.NewDecoder(resp.Body).Decode(&report)).To(Succeed())
			Expect(report["compared_invoice_ids"]).To(Equal([]any{"id-1", "id-2"}))
		})

		It("returns 400 for fewer than two invoices", func() {
			payload, _ := json.Marshal(map[string][]string{"invoice_ids": {"id-1"}})
			resp, err := http.Post(ghttpServer.URL()+"/api/compare", "application/json", bytes.NewBuffer(payload))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("returns 400 for a malformed body", func() {
			resp, err := http.Post(ghttpServer.URL()+"/api/compare", "application/json", bytes.NewBufferString("{"))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("handleAsk", func() {
		BeforeEach(func() {
			model.responses = []string{"The total is $27.00."}
			setupServer()
		})

		It("answers a question about an uploaded document", func() {
			body, contentType := multipartUpload("invoice.png", testPNG(), "image/png", map[string]string{
				"question": "What is the total?",
			})
			resp, err := http.Post(ghttpServer.URL()+"/api/ask", contentType, body)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var answer map[string]string
			Expect(json.NewDecoder(resp.Body).Decode(&answer)).To(Succeed())
			Expect(answer["answer"]).To(Equal("The total is $27.00."))
		})

		It("rejects a missing question", func() {
			body, contentType := multipartUpload("invoice.png", testPNG(), "image/png", nil)
			resp, err := http.Post(ghttpServer.URL()+"/api/ask", contentType, body)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "user", Password: "secret"}
			setupServer()
		})

		It("rejects unauthenticated requests", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/invoices")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("accepts valid credentials", func() {
			req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/invoices", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("user", "secret")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})
})
