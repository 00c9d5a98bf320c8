package store

import (
	"fmt"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"histflow/models"
)

// One row schema per data type; the columnar layout is what downstream
// analysis reads, so column names are part of the storage contract.

type candleRow struct {
	Timestamp int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Open      float64 `parquet:"name=open, type=DOUBLE"`
	High      float64 `parquet:"name=high, type=DOUBLE"`
	Low       float64 `parquet:"name=low, type=DOUBLE"`
	Close     float64 `parquet:"name=close, type=DOUBLE"`
	Volume    float64 `parquet:"name=volume, type=DOUBLE"`
}

type tradeRow struct {
	Timestamp int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	Amount    float64 `parquet:"name=amount, type=DOUBLE"`
	Side      string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type fundingRow struct {
	Timestamp int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Rate      float64 `parquet:"name=funding_rate, type=DOUBLE"`
}

const parquetConcurrency = 4

func compressionCodec(name string) parquet.CompressionCodec {
	switch name {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

func schemaObject(dataType models.DataType) (interface{}, error) {
	switch dataType {
	case models.DataTypeCandles:
		return new(candleRow), nil
	case models.DataTypeTrades:
		return new(tradeRow), nil
	case models.DataTypeFunding:
		return new(fundingRow), nil
	default:
		return nil, fmt.Errorf("unknown data type %q", dataType)
	}
}

func toRow(dataType models.DataType, r models.Record) interface{} {
	ts := r.Timestamp.UnixMilli()
	switch dataType {
	case models.DataTypeCandles:
		return candleRow{Timestamp: ts, Symbol: r.Symbol, Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume}
	case models.DataTypeTrades:
		return tradeRow{Timestamp: ts, Symbol: r.Symbol, Price: r.Price, Amount: r.Amount, Side: r.Side}
	default:
		return fundingRow{Timestamp: ts, Symbol: r.Symbol, Rate: r.Rate}
	}
}

func writeParquet(path string, dataType models.DataType, records []models.Record, compression string) error {
	schema, err := schemaObject(dataType)
	if err != nil {
		return err
	}

	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("create parquet file: %w", err)
	}

	pw, err := writer.NewParquetWriter(fw, schema, parquetConcurrency)
	if err != nil {
		fw.Close()
		return fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)

	for _, r := range records {
		if err := pw.Write(toRow(dataType, r)); err != nil {
			pw.WriteStop()
			fw.Close()
			return fmt.Errorf("write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return fmt.Errorf("finalize parquet file: %w", err)
	}
	return fw.Close()
}

func readParquet(path string, dataType models.DataType) ([]models.Record, error) {
	schema, err := schemaObject(dataType)
	if err != nil {
		return nil, err
	}

	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, schema, parquetConcurrency)
	if err != nil {
		return nil, fmt.Errorf("create parquet reader: %w", err)
	}
	defer pr.ReadStop()

	num := int(pr.GetNumRows())
	records := make([]models.Record, 0, num)

	switch dataType {
	case models.DataTypeCandles:
		rows := make([]candleRow, num)
		if err := pr.Read(&rows); err != nil {
			return nil, fmt.Errorf("read parquet rows: %w", err)
		}
		for _, row := range rows {
			records = append(records, models.Record{
				Timestamp: time.UnixMilli(row.Timestamp).UTC(),
				Symbol:    row.Symbol,
				Open:      row.Open,
				High:      row.High,
				Low:       row.Low,
				Close:     row.Close,
				Volume:    row.Volume,
			})
		}
	case models.DataTypeTrades:
		rows := make([]tradeRow, num)
		if err := pr.Read(&rows); err != nil {
			return nil, fmt.Errorf("read parquet rows: %w", err)
		}
		for _, row := range rows {
			records = append(records, models.Record{
				Timestamp: time.UnixMilli(row.Timestamp).UTC(),
				Symbol:    row.Symbol,
				Price:     row.Price,
				Amount:    row.Amount,
				Side:      row.Side,
			})
		}
	case models.DataTypeFunding:
		rows := make([]fundingRow, num)
		if err := pr.Read(&rows); err != nil {
			return nil, fmt.Errorf("read parquet rows: %w", err)
		}
		for _, row := range rows {
			records = append(records, models.Record{
				Timestamp: time.UnixMilli(row.Timestamp).UTC(),
				Symbol:    row.Symbol,
				Rate:      row.Rate,
			})
		}
	}

	return records, nil
}
